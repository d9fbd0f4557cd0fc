package gossip

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/run"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/alannza/agave/pkg/log"
)

// Transport sends an assembled, unsigned message to the peer at the given
// address. The transport collaborator owns framing, signing and delivery;
// message loss and reordering are tolerated, not exceptional.
type Transport interface {
	Send(addr string, b []byte) error
}

// Verifier checks a record's signature over its content. Records failing
// verification are dropped at the boundary: never stored, never relayed.
type Verifier interface {
	Verify(record *Record) bool
}

// Gossip maintains the cluster-wide replicated record table, kept
// eventually consistent by push fan-out with pull-based anti-entropy
// underneath.
type Gossip struct {
	localID string

	config *Config

	table *Table

	pushEngine *pushEngine
	pullEngine *pullEngine
	pruneMgr   *pruneManager

	transport Transport
	verifier  Verifier
	stakes    StakeSource

	// rng drives peer selection. Guarded by rngMu since ticks run
	// concurrently.
	rng   *rand.Rand
	rngMu sync.Mutex

	heartbeat *atomic.Uint64

	metrics *Metrics

	logger log.Logger

	closed     *atomic.Bool
	shutdownCh chan struct{}
	doneCh     chan struct{}
}

// New creates the gossip engine and starts its periodic ticks.
//
// The engine consumes already-verified inbound records via the verifier and
// hands assembled, unsigned messages to the transport. Stake weights feed
// peer selection; unknown nodes weigh 0 and rank last.
func New(
	nodeID string,
	config *Config,
	transport Transport,
	verifier Verifier,
	stakes StakeSource,
	watcher Watcher,
	logger log.Logger,
) (*Gossip, error) {
	logger = logger.WithSubsystem("gossip")

	advertiseAddr, err := config.ResolveAdvertiseAddr()
	if err != nil {
		return nil, err
	}

	logger.Info(
		"starting gossip",
		zap.String("node-id", nodeID),
		zap.String("advertise-addr", advertiseAddr),
	)

	metrics := newMetrics()
	table := NewTable(nodeID, config, watcher, metrics)
	pruneMgr := newPruneManager(config.PruneThreshold, config.PruneWindow)

	g := &Gossip{
		localID:    nodeID,
		config:     config,
		table:      table,
		pushEngine: newPushEngine(nodeID, table, config, pruneMgr, metrics, logger),
		pullEngine: newPullEngine(nodeID, table, config, metrics, logger),
		pruneMgr:   pruneMgr,
		transport:  transport,
		verifier:   verifier,
		stakes:     stakes,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		heartbeat:  atomic.NewUint64(0),
		metrics:    metrics,
		logger:     logger,
		closed:     atomic.NewBool(false),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	// Publish the local contact record before the first tick so early pull
	// requests carry it.
	if _, err := g.UpsertLocal(
		Label{Kind: LabelContactInfo},
		ContactInfo{Addr: advertiseAddr},
	); err != nil {
		return nil, fmt.Errorf("contact record: %w", err)
	}

	g.schedule()
	return g, nil
}

// UpsertLocal originates a record from the local node. The record enters
// the table immediately and is relayed on the next push tick.
func (g *Gossip) UpsertLocal(label Label, value Value) (*Record, error) {
	record, err := NewRecord(
		g.localID, label, value, uint64(time.Now().UnixMilli()),
	)
	if err != nil {
		return nil, err
	}
	g.table.Upsert(record, time.Now())
	return record, nil
}

// Seed loads already-verified records, such as the contact records of
// cluster entrypoints. Discovery then proceeds over the normal push/pull
// paths since contact records replicate like any other record.
func (g *Gossip) Seed(records []*Record) {
	now := time.Now()
	for _, record := range records {
		if !g.verifier.Verify(record) {
			g.metrics.RecordsRejected.Inc()
			continue
		}
		g.table.Upsert(record, now)
	}
}

// Get returns the stored record for the key.
func (g *Gossip) Get(key Key) (*Record, bool) {
	return g.table.Get(key)
}

// Changes returns the live records stored after the given sequence cursor.
func (g *Gossip) Changes(since uint64) []VersionedRecord {
	return g.table.Changes(since)
}

// LivePeers returns the remote peers currently considered live.
func (g *Gossip) LivePeers() []Peer {
	return livePeers(
		g.table, g.stakes, g.localID, g.config.LivenessWindow, time.Now(),
	)
}

func (g *Gossip) Metrics() *Metrics {
	return g.metrics
}

// HandleMessage processes an inbound message delivered by the transport
// collaborator. Malformed messages and records failing verification are
// dropped and metered, never fatal.
func (g *Gossip) HandleMessage(b []byte) error {
	g.metrics.BytesInbound.Add(float64(len(b)))

	msgType, err := peekMessage(b)
	if err != nil {
		return err
	}

	now := time.Now()
	switch msgType {
	case messageTypePush:
		header, wires, err := decodePush(b)
		if err != nil {
			return fmt.Errorf("decode push: %w", err)
		}
		g.pushEngine.HandlePush(header.From, g.verifyRecords(wires), now)
		return nil

	case messageTypePullRequest:
		header, err := decodePullRequest(b)
		if err != nil {
			return fmt.Errorf("decode pull request: %w", err)
		}
		g.metrics.PullRequestsInbound.Inc()

		requester, err := fromWire(header.From)
		if err != nil {
			g.metrics.RecordsRejected.Inc()
			return fmt.Errorf("requester record: %w", err)
		}
		if !g.verifier.Verify(requester) {
			g.metrics.RecordsRejected.Inc()
			return fmt.Errorf("requester record failed verification")
		}

		response, ok := g.pullEngine.HandleRequest(requester, header.Filter, now)
		if !ok {
			return nil
		}
		g.metrics.PullResponsesOutbound.Inc()
		g.send(response)
		return nil

	case messageTypePullResponse:
		header, wires, err := decodePullResponse(b)
		if err != nil {
			return fmt.Errorf("decode pull response: %w", err)
		}
		g.pullEngine.HandleResponse(header.From, g.verifyRecords(wires), now)
		return nil

	case messageTypePrune:
		msg, err := decodePrune(b)
		if err != nil {
			return fmt.Errorf("decode prune: %w", err)
		}
		if msg.Destination != g.localID {
			return fmt.Errorf("prune for other destination: %s", msg.Destination)
		}
		g.metrics.PrunesInbound.Inc()
		g.pushEngine.active.Prune(msg.From, msg.Origins)
		return nil

	default:
		return fmt.Errorf("unsupported message type: %d", msgType)
	}
}

// Close stops the periodic ticks. The table is in-memory only so there is
// no state to flush.
func (g *Gossip) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		// Already closed.
		return nil
	}
	close(g.shutdownCh)
	<-g.doneCh
	return nil
}

// verifyRecords decodes and verifies inbound wire records, dropping and
// metering the ones that fail.
func (g *Gossip) verifyRecords(wires []recordWire) []*Record {
	records := make([]*Record, 0, len(wires))
	for _, wire := range wires {
		record, err := fromWire(wire)
		if err != nil {
			g.metrics.RecordsRejected.Inc()
			g.logger.Debug("rejected record", zap.Error(err))
			continue
		}
		if !g.verifier.Verify(record) {
			g.metrics.RecordsRejected.Inc()
			continue
		}
		records = append(records, record)
	}
	return records
}

// schedule runs the periodic ticks. Each tick is independent: a slow or
// failed round only affects itself, the next tick starts fresh.
func (g *Gossip) schedule() {
	var group run.Group
	for _, task := range []struct {
		interval time.Duration
		f        func()
	}{
		{g.config.PushInterval, g.pushTick},
		{g.config.PullInterval, g.pullTick},
		{g.config.PurgeInterval, g.purgeTick},
		{g.config.PruneInterval, g.pruneTick},
		{g.config.RotateInterval, g.rotateTick},
		{g.config.HeartbeatInterval, g.heartbeatTick},
	} {
		interval := task.interval
		f := task.f
		group.Add(func() error {
			g.tickLoop(interval, f)
			return nil
		}, func(error) {
			// Shutdown is signalled via shutdownCh by Close.
		})
	}

	go func() {
		defer close(g.doneCh)
		_ = group.Run()
	}()
}

func (g *Gossip) tickLoop(interval time.Duration, f func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Add 10% jitter to avoid nodes synchronising.
			jitterMs := (g.randInt63() % interval.Milliseconds()) / 10
			select {
			case <-time.After(time.Duration(jitterMs) * time.Millisecond):
				f()
			case <-g.shutdownCh:
				return
			}

		case <-g.shutdownCh:
			return
		}
	}
}

func (g *Gossip) pushTick() {
	for _, msg := range g.pushEngine.Batch() {
		g.metrics.PushMessagesOutbound.Inc()
		g.send(msg)
	}
}

func (g *Gossip) pullTick() {
	now := time.Now()

	contact, ok := g.table.Get(Key{
		Origin: g.localID,
		Label:  Label{Kind: LabelContactInfo},
	})
	if !ok {
		// The local contact record is published in New and never expires.
		return
	}

	peers := livePeers(g.table, g.stakes, g.localID, g.config.LivenessWindow, now)

	g.rngMu.Lock()
	requests := g.pullEngine.BuildRequests(peers, contact, g.rng, now)
	g.rngMu.Unlock()

	for _, msg := range requests {
		g.metrics.PullRequestsOutbound.Inc()
		g.send(msg)
	}
}

func (g *Gossip) purgeTick() {
	g.table.PurgeExpired(time.Now())
}

func (g *Gossip) pruneTick() {
	prunes := g.pruneMgr.Evaluate(time.Now())
	if len(prunes) == 0 {
		return
	}

	// Resolve the over-relaying peers' addresses from their contact
	// records.
	addrs := make(map[string]string)
	for _, entry := range g.table.RecordsOfKind(LabelContactInfo) {
		if contact, ok := entry.Record.Value().(ContactInfo); ok {
			addrs[entry.Record.Origin] = contact.Addr
		}
	}

	for peerID, origins := range prunes {
		addr, ok := addrs[peerID]
		if !ok {
			continue
		}

		buf, err := encodePrune(pruneMessage{
			From:        g.localID,
			Destination: peerID,
			Origins:     origins,
		}, g.config.MaxMessageSize)
		if err != nil {
			g.logger.Warn("failed to encode prune", zap.Error(err))
			continue
		}

		g.metrics.PrunesOutbound.Inc()
		g.send(outboundMessage{Addr: addr, Buf: buf})
	}
}

func (g *Gossip) rotateTick() {
	now := time.Now()
	peers := livePeers(g.table, g.stakes, g.localID, g.config.LivenessWindow, now)

	g.rngMu.Lock()
	selected := selectPeers(g.rng, peers, g.config.PushFanout)
	g.rngMu.Unlock()

	if len(selected) == 0 {
		return
	}
	g.pushEngine.active.Rotate(selected)
}

func (g *Gossip) heartbeatTick() {
	counter := g.heartbeat.Inc()
	if _, err := g.UpsertLocal(
		Label{Kind: LabelHealth}, Health{Counter: counter},
	); err != nil {
		g.logger.Warn("failed to refresh health record", zap.Error(err))
	}
}

func (g *Gossip) send(msg outboundMessage) {
	if err := g.transport.Send(msg.Addr, msg.Buf); err != nil {
		g.logger.Debug(
			"failed to send message",
			zap.String("addr", msg.Addr),
			zap.Error(err),
		)
		return
	}
	g.metrics.BytesOutbound.Add(float64(len(msg.Buf)))
}

func (g *Gossip) randInt63() int64 {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()

	return g.rng.Int63()
}
