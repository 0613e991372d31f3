package manifest

import "errors"

var (
	ErrNotMaster = errors.New("manifest is not a master playlist")
)
