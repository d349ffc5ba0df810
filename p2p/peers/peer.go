package peers

import (
	"time"

	"github.com/thecockatiel/bisq-light-client-sub005/p2p"
)

// Peer is a registry entry: an address learned from exchanges or from a
// live connection, with the capabilities last announced for it.
type Peer struct {
	Address                  p2p.NodeAddress  `json:"address"`
	Capabilities             p2p.Capabilities `json:"capabilities,omitempty"`
	Date                     time.Time        `json:"date"`
	FailedConnectionAttempts int              `json:"failedConnectionAttempts"`
}

// FromReported converts a wire entry. Dates in the future are clamped to
// now so a peer cannot pin its entry against age pruning.
func FromReported(r p2p.ReportedPeer, now time.Time) Peer {
	date := r.LastSeen()
	if date.After(now) {
		date = now
	}
	return Peer{Address: r.Address, Capabilities: r.Capabilities.Clone(), Date: date}
}

// Reported converts p to its wire form.
func (p Peer) Reported() p2p.ReportedPeer {
	return p2p.ReportedPeer{
		Address:      p.Address,
		Date:         p.Date.UnixMilli(),
		Capabilities: p.Capabilities.Clone(),
	}
}

// TooManyFailedConnectionAttempts reports whether p should be dropped from
// the persisted registry.
func (p Peer) TooManyFailedConnectionAttempts(limit int) bool {
	return p.FailedConnectionAttempts >= limit
}

func (p Peer) olderThan(maxAge time.Duration, now time.Time) bool {
	return now.Sub(p.Date) > maxAge
}
