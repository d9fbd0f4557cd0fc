package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alannza/agave/pkg/log"
)

func newTestPushEngine(config *Config) *pushEngine {
	metrics := newMetrics()
	table := NewTable("local", config, NewNopWatcher(), metrics)
	prune := newPruneManager(config.PruneThreshold, config.PruneWindow)
	return newPushEngine("local", table, config, prune, metrics, log.NewNopLogger())
}

func TestActiveSet(t *testing.T) {
	t.Run("rotate caps at fanout", func(t *testing.T) {
		set := newActiveSet(2)
		set.Rotate([]Peer{
			{ID: "a", Addr: "a:8000"},
			{ID: "b", Addr: "b:8000"},
			{ID: "c", Addr: "c:8000"},
		})
		assert.Equal(t, 2, set.Size())
	})

	t.Run("never relays an origin to itself", func(t *testing.T) {
		set := newActiveSet(3)
		set.Rotate([]Peer{
			{ID: "a", Addr: "a:8000"},
			{ID: "b", Addr: "b:8000"},
		})

		targets := set.TargetsFor("a")
		require.Len(t, targets, 1)
		assert.Equal(t, "b", targets[0].ID)
	})

	t.Run("pruned origins skipped", func(t *testing.T) {
		set := newActiveSet(3)
		set.Rotate([]Peer{
			{ID: "a", Addr: "a:8000"},
			{ID: "b", Addr: "b:8000"},
		})
		set.Prune("a", []string{"node-9"})

		targets := set.TargetsFor("node-9")
		require.Len(t, targets, 1)
		assert.Equal(t, "b", targets[0].ID)

		// Other origins still flow to the pruned peer.
		assert.Len(t, set.TargetsFor("node-8"), 2)
	})

	t.Run("rotation keeps prune state", func(t *testing.T) {
		set := newActiveSet(3)
		set.Rotate([]Peer{{ID: "a", Addr: "a:8000"}})
		set.Prune("a", []string{"node-9"})

		set.Rotate([]Peer{
			{ID: "a", Addr: "a:8000"},
			{ID: "b", Addr: "b:8000"},
		})

		targets := set.TargetsFor("node-9")
		require.Len(t, targets, 1)
		assert.Equal(t, "b", targets[0].ID)
	})
}

func TestPushEngine_Batch(t *testing.T) {
	now := time.Now()

	t.Run("relays new records to active peers", func(t *testing.T) {
		engine := newTestPushEngine(testConfig())
		engine.active.Rotate([]Peer{
			{ID: "a", Addr: "a:8000"},
			{ID: "b", Addr: "b:8000"},
		})

		engine.table.Upsert(healthRecord(t, "node-1", 1, 100), now)

		batch := engine.Batch()
		require.Len(t, batch, 2)

		addrs := map[string]bool{}
		for _, msg := range batch {
			addrs[msg.Addr] = true
			assert.Equal(t, 1, msg.Records)

			header, wires, err := decodePush(msg.Buf)
			require.NoError(t, err)
			assert.Equal(t, "local", header.From)
			require.Len(t, wires, 1)
		}
		assert.True(t, addrs["a:8000"])
		assert.True(t, addrs["b:8000"])
	})

	t.Run("cursor advances", func(t *testing.T) {
		engine := newTestPushEngine(testConfig())
		engine.active.Rotate([]Peer{{ID: "a", Addr: "a:8000"}})

		engine.table.Upsert(healthRecord(t, "node-1", 1, 100), now)
		require.Len(t, engine.Batch(), 1)

		// Nothing new, nothing sent.
		assert.Empty(t, engine.Batch())

		// A later record is relayed on the next batch.
		engine.table.Upsert(healthRecord(t, "node-1", 2, 200), now)
		batch := engine.Batch()
		require.Len(t, batch, 1)
		assert.Equal(t, 1, batch[0].Records)
	})

	t.Run("splits oversized batches", func(t *testing.T) {
		config := testConfig()
		config.MaxMessageSize = 250

		engine := newTestPushEngine(config)
		engine.active.Rotate([]Peer{{ID: "a", Addr: "a:8000"}})

		for i := uint64(0); i != 20; i++ {
			record, err := NewRecord(
				"node-1",
				Label{Kind: LabelVote, Index: uint8(i)},
				Vote{Slot: i, Transaction: make([]byte, 32)},
				100,
			)
			require.NoError(t, err)
			engine.table.Upsert(record, now)
		}

		batch := engine.Batch()
		require.Greater(t, len(batch), 1)

		total := 0
		for _, msg := range batch {
			assert.LessOrEqual(t, len(msg.Buf), 250)
			total += msg.Records
		}
		assert.Equal(t, 20, total)
	})

	t.Run("origin excluded from its own relay", func(t *testing.T) {
		engine := newTestPushEngine(testConfig())
		engine.active.Rotate([]Peer{
			{ID: "node-1", Addr: "n1:8000"},
			{ID: "b", Addr: "b:8000"},
		})

		engine.table.Upsert(healthRecord(t, "node-1", 1, 100), now)

		batch := engine.Batch()
		require.Len(t, batch, 1)
		assert.Equal(t, "b:8000", batch[0].Addr)
	})
}

func TestPushEngine_HandlePush(t *testing.T) {
	now := time.Now()

	engine := newTestPushEngine(testConfig())

	records := []*Record{healthRecord(t, "node-1", 1, 100)}
	engine.HandlePush("peer-1", records, now)
	assert.Equal(t, 1, engine.table.Len())

	// Redundant receipts are charged to the sender. Three within the window
	// crosses the default threshold.
	engine.HandlePush("peer-2", records, now)
	engine.HandlePush("peer-2", records, now)
	engine.HandlePush("peer-2", records, now)

	prunes := engine.prune.Evaluate(now)
	require.Len(t, prunes, 1)
	assert.Equal(t, []string{"node-1"}, prunes["peer-2"])
}
