package gossip

import (
	"math/rand"
	"sort"
	"time"

	"github.com/alannza/agave/pkg/shuffle"
)

// StakeSource supplies the stake weight per node identity. It is an
// external collaborator (ledger/runtime); unknown nodes must return 0.
// Zero-weight nodes are still selectable, just ranked last.
type StakeSource interface {
	StakeWeight(nodeID string) uint64
}

// Peer is a known remote node derived from its live contact-info record.
type Peer struct {
	ID    string
	Addr  string
	Stake uint64
}

// livePeers lists the remote peers with a live contact-info record. A peer
// counts as live while its contact-info or health record was received
// within the liveness window; liveness therefore ages out with the records
// themselves, there is no separate peer registry.
func livePeers(
	table *Table,
	stakes StakeSource,
	localID string,
	livenessWindow time.Duration,
	now time.Time,
) []Peer {
	healthAt := make(map[string]time.Time)
	for _, entry := range table.RecordsOfKind(LabelHealth) {
		healthAt[entry.Record.Origin] = entry.ReceivedAt
	}

	var peers []Peer
	for _, entry := range table.RecordsOfKind(LabelContactInfo) {
		origin := entry.Record.Origin
		if origin == localID {
			continue
		}

		if livenessWindow > 0 {
			last := entry.ReceivedAt
			if h, ok := healthAt[origin]; ok && h.After(last) {
				last = h
			}
			if now.Sub(last) > livenessWindow {
				continue
			}
		}

		contact, ok := entry.Record.Value().(ContactInfo)
		if !ok || contact.Addr == "" {
			continue
		}

		peers = append(peers, Peer{
			ID:    origin,
			Addr:  contact.Addr,
			Stake: stakes.StakeWeight(origin),
		})
	}

	// Sort for a deterministic candidate order before shuffling, so peer
	// selection is reproducible given the same table state and seed.
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ID < peers[j].ID
	})
	return peers
}

// selectPeers draws up to k peers, biased by stake weight.
func selectPeers(rng *rand.Rand, peers []Peer, k int) []Peer {
	if len(peers) == 0 || k <= 0 {
		return nil
	}

	weights := make([]uint64, len(peers))
	for i, peer := range peers {
		weights[i] = peer.Stake
	}

	selected := make([]Peer, 0, k)
	for _, i := range shuffle.New(weights).First(rng, k) {
		selected = append(selected, peers[i])
	}
	return selected
}
