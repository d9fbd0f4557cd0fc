package gossip

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alannza/agave/pkg/log"
)

// pullEngine implements both sides of the periodic reconciliation protocol.
// Each round summarizes the local table in compact set-membership filters
// and asks a few peers for the records the filters do not cover. Pull is a
// repair layer under push: a filter false positive only delays a record to
// a later round, it never loses it.
type pullEngine struct {
	localID string

	table *Table

	fanout            int
	maxFilterItems    int
	falsePositiveRate float64
	maxBloomBits      uint64
	graceWindow       time.Duration
	maxMessageSize    int

	// lastSynced records when a peer last answered a pull, used to skip
	// peers that are fresh within the grace window.
	lastSynced map[string]time.Time

	// mu protects lastSynced.
	mu sync.Mutex

	metrics *Metrics

	logger log.Logger
}

func newPullEngine(
	localID string,
	table *Table,
	config *Config,
	metrics *Metrics,
	logger log.Logger,
) *pullEngine {
	return &pullEngine{
		localID:           localID,
		table:             table,
		fanout:            config.PullFanout,
		maxFilterItems:    config.MaxFilterItems,
		falsePositiveRate: config.FalsePositiveRate,
		maxBloomBits:      config.MaxBloomBits,
		graceWindow:       config.PullGraceWindow,
		maxMessageSize:    config.MaxMessageSize,
		lastSynced:        make(map[string]time.Time),
		metrics:           metrics,
		logger:            logger,
	}
}

// BuildRequests assembles one pull round: filters summarizing the local
// record hashes, spread over a stake-weighted selection of peers. The
// requester's own contact record rides along as a liveness signal and so
// the responder knows where to reply.
func (e *pullEngine) BuildRequests(
	peers []Peer,
	localContact *Record,
	rng *rand.Rand,
	now time.Time,
) []outboundMessage {
	candidates := make([]Peer, 0, len(peers))
	e.mu.Lock()
	for _, peer := range peers {
		if synced, ok := e.lastSynced[peer.ID]; ok && now.Sub(synced) < e.graceWindow {
			// Fully synced recently, a round now would be wasted.
			continue
		}
		candidates = append(candidates, peer)
	}
	e.mu.Unlock()

	selected := selectPeers(rng, candidates, e.fanout)
	if len(selected) == 0 {
		return nil
	}

	filters := BuildPullFilters(
		e.table.Hashes(),
		e.maxFilterItems,
		e.falsePositiveRate,
		e.maxBloomBits,
		rng,
	)
	// Spread the filters over the selected peers so together the round
	// covers the whole hash space.
	rng.Shuffle(len(filters), func(i, j int) {
		filters[i], filters[j] = filters[j], filters[i]
	})

	var out []outboundMessage
	for i, filter := range filters {
		peer := selected[i%len(selected)]

		buf, err := encodePullRequest(pullRequestHeader{
			From:   localContact.wire(),
			Filter: filter,
		}, e.maxMessageSize)
		if err != nil {
			e.logger.Warn("failed to encode pull request", zap.Error(err))
			continue
		}

		out = append(out, outboundMessage{
			Addr: peer.Addr,
			Buf:  buf,
		})
	}
	return out
}

// HandleRequest answers a peer's pull request with the local records the
// peer's filter reports as absent. The response is capped at one message;
// overflow is left for the peer's next round rather than fragmented.
func (e *pullEngine) HandleRequest(
	requester *Record,
	filter PullFilter,
	now time.Time,
) (outboundMessage, bool) {
	contact, ok := requester.Value().(ContactInfo)
	if !ok || contact.Addr == "" {
		return outboundMessage{}, false
	}

	// The requester's contact record doubles as a liveness signal.
	e.table.Upsert(requester, now)

	var missing []*Record
	for _, record := range e.table.RecordsMatching(filter.Mask, filter.MaskBits) {
		if filter.Filter.Contains(record.Hash()) {
			continue
		}
		missing = append(missing, record)
	}
	if len(missing) == 0 {
		return outboundMessage{}, false
	}

	buf, sent, err := encodePullResponse(
		pullResponseHeader{From: e.localID}, missing, e.maxMessageSize,
	)
	if err != nil {
		e.logger.Warn("failed to encode pull response", zap.Error(err))
		return outboundMessage{}, false
	}
	if sent < len(missing) {
		e.metrics.PullResponseOverflow.Add(float64(len(missing) - sent))
	}

	return outboundMessage{
		Addr:    contact.Addr,
		Buf:     buf,
		Records: sent,
	}, true
}

// HandleResponse applies the records returned by a peer. Stale records are
// expected (the peer cannot know what arrived since the filter was built)
// and only counted.
func (e *pullEngine) HandleResponse(from string, records []*Record, now time.Time) {
	for _, record := range records {
		outcome := e.table.Upsert(record, now)

		e.metrics.PullRecordsInbound.Inc()
		if outcome == Stale {
			e.metrics.PullRecordsDuplicate.Inc()
		}
	}

	e.mu.Lock()
	e.lastSynced[from] = now
	e.mu.Unlock()
}
