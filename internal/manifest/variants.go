package manifest

import (
	"fmt"
	"strings"

	"github.com/grafov/m3u8"
)

// Variant describes one alternative stream advertised by a master playlist.
// It is informational only; selection is always FirstVariantURI.
type Variant struct {
	URI        string
	Bandwidth  uint32
	Resolution string
	Codecs     string
}

// Variants decodes the manifest as a master playlist and lists its variants.
func (m Manifest) Variants() ([]Variant, error) {
	pl, listType, err := m3u8.DecodeFrom(strings.NewReader(m.String()), false)
	if err != nil {
		return nil, fmt.Errorf("decoding master playlist: %w", err)
	}
	if listType != m3u8.MASTER {
		return nil, ErrNotMaster
	}

	master := pl.(*m3u8.MasterPlaylist)
	variants := make([]Variant, 0, len(master.Variants))
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		variants = append(variants, Variant{
			URI:        v.URI,
			Bandwidth:  v.Bandwidth,
			Resolution: v.Resolution,
			Codecs:     v.Codecs,
		})
	}
	return variants, nil
}
