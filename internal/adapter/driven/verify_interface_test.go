package driven

import (
	port "github.com/alorle/m3u8-proxy/internal/port/driven"
)

// Compile-time check that PlaylistHTTPFetcher implements PlaylistFetcher interface
var _ port.PlaylistFetcher = (*PlaylistHTTPFetcher)(nil)

// Compile-time check that ResolutionBoltDBRepository implements ResolutionRepository interface
var _ port.ResolutionRepository = (*ResolutionBoltDBRepository)(nil)
