package network

import "github.com/vango-dev/mtproto/pkg/transport"

// DCProvider resolves datacenter ids. *config.Config implements it.
type DCProvider interface {
	DCByID(id int) (transport.DC, bool)
}

// StaticDCs is a fixed DC list. Non-media entries win over media-only
// ones with the same id.
type StaticDCs []transport.DC

// DCByID implements DCProvider.
func (s StaticDCs) DCByID(id int) (transport.DC, bool) {
	var (
		media transport.DC
		found bool
	)
	for _, dc := range s {
		if dc.ID != id {
			continue
		}
		if !dc.MediaOnly {
			return dc, true
		}
		if !found {
			media, found = dc, true
		}
	}
	return media, found
}
