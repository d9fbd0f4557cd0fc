package gossip

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/alannza/agave/pkg/log"
)

// activePeer is a push destination together with the origins it asked us to
// stop relaying.
type activePeer struct {
	Peer

	pruned map[string]struct{}
}

// activeSet is the bounded set of peers new records are relayed to. It
// starts as a random stake-weighted selection and converges towards a
// low-redundancy overlay as peers prune origins they receive redundantly.
type activeSet struct {
	fanout int
	peers  []*activePeer

	// mu protects the above fields.
	mu sync.Mutex
}

func newActiveSet(fanout int) *activeSet {
	return &activeSet{
		fanout: fanout,
	}
}

// Rotate replaces the set with a fresh selection. Prune state is carried
// over for peers that remain selected, so rotation never un-prunes an edge.
func (s *activeSet) Rotate(peers []Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(peers) > s.fanout {
		peers = peers[:s.fanout]
	}

	prunedByID := make(map[string]map[string]struct{})
	for _, p := range s.peers {
		prunedByID[p.ID] = p.pruned
	}

	next := make([]*activePeer, 0, len(peers))
	for _, peer := range peers {
		pruned := prunedByID[peer.ID]
		if pruned == nil {
			pruned = make(map[string]struct{})
		}
		next = append(next, &activePeer{
			Peer:   peer,
			pruned: pruned,
		})
	}
	s.peers = next
}

// TargetsFor returns the peers to relay the given origin's records to:
// every active peer that has not pruned the origin.
func (s *activeSet) TargetsFor(origin string) []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	var targets []Peer
	for _, p := range s.peers {
		if p.ID == origin {
			// Never relay an origin's records back to itself.
			continue
		}
		if _, ok := p.pruned[origin]; ok {
			continue
		}
		targets = append(targets, p.Peer)
	}
	return targets
}

// Prune records that the given peer asked us to stop relaying the origins.
func (s *activeSet) Prune(peerID string, origins []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.peers {
		if p.ID != peerID {
			continue
		}
		for _, origin := range origins {
			p.pruned[origin] = struct{}{}
		}
		return
	}
}

// Size returns the number of active peers.
func (s *activeSet) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.peers)
}

// outboundMessage is an assembled, unsigned message for the transport
// collaborator to sign and send.
type outboundMessage struct {
	Addr    string
	Buf     []byte
	Records int
}

// pushEngine fans newly stored records out to the active peer set.
type pushEngine struct {
	localID string

	table  *Table
	active *activeSet

	// cursor is the table sequence of the last record batched for push.
	cursor *atomic.Uint64

	maxMessageSize int

	prune *pruneManager

	metrics *Metrics

	logger log.Logger
}

func newPushEngine(
	localID string,
	table *Table,
	config *Config,
	prune *pruneManager,
	metrics *Metrics,
	logger log.Logger,
) *pushEngine {
	return &pushEngine{
		localID:        localID,
		table:          table,
		active:         newActiveSet(config.PushFanout),
		cursor:         atomic.NewUint64(0),
		maxMessageSize: config.MaxMessageSize,
		prune:          prune,
		metrics:        metrics,
		logger:         logger,
	}
}

// Batch collects the records stored since the last push tick and assembles
// the outbound messages per destination. Batches destined for the same peer
// are coalesced; a batch that exceeds the message size cap is split across
// messages, never dropped.
func (e *pushEngine) Batch() []outboundMessage {
	since := e.cursor.Load()
	changes := e.table.Changes(since)
	if len(changes) == 0 {
		return nil
	}
	e.cursor.Store(changes[len(changes)-1].Seq)

	byPeer := make(map[string][]*Record)
	addrs := make(map[string]string)
	for _, entry := range changes {
		for _, peer := range e.active.TargetsFor(entry.Record.Origin) {
			byPeer[peer.ID] = append(byPeer[peer.ID], entry.Record)
			addrs[peer.ID] = peer.Addr
		}
	}

	var out []outboundMessage
	for peerID, records := range byPeer {
		header := pushHeader{From: e.localID}
		for len(records) > 0 {
			buf, sent, err := encodePush(header, records, e.maxMessageSize)
			if err != nil {
				e.logger.Warn("failed to encode push", zap.Error(err))
				break
			}
			if sent == 0 {
				// A single record exceeds the message cap. This cannot be
				// split further so the record is skipped, logged rather than
				// dropped silently.
				e.logger.Warn(
					"push record exceeds max message size",
					zap.String("origin", records[0].Origin),
					zap.String("label", records[0].Label.Kind.String()),
				)
				records = records[1:]
				continue
			}

			out = append(out, outboundMessage{
				Addr:    addrs[peerID],
				Buf:     buf,
				Records: sent,
			})
			records = records[sent:]
		}
	}
	return out
}

// HandlePush applies records received in a push message. Stale receipts are
// charged to the sender as redundancy, feeding the prune manager.
func (e *pushEngine) HandlePush(from string, records []*Record, now time.Time) {
	for _, record := range records {
		outcome := e.table.Upsert(record, now)

		e.metrics.PushRecordsInbound.Inc()
		if outcome == Stale {
			e.metrics.PushRecordsDuplicate.Inc()
			e.prune.RecordDuplicate(from, record.Origin, now)
		}
	}
}
