package gossip

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alannza/agave/pkg/log"
)

func newTestPullEngine(config *Config) *pullEngine {
	metrics := newMetrics()
	table := NewTable("local", config, NewNopWatcher(), metrics)
	return newPullEngine("local", table, config, metrics, log.NewNopLogger())
}

func contactRecord(t *testing.T, origin, addr string, wallclock uint64) *Record {
	t.Helper()
	record, err := NewRecord(
		origin, Label{Kind: LabelContactInfo}, ContactInfo{Addr: addr}, wallclock,
	)
	require.NoError(t, err)
	return record
}

func TestPullEngine_BuildRequests(t *testing.T) {
	now := time.Now()
	rng := rand.New(rand.NewSource(1))

	localContact := contactRecord(t, "local", "local:8000", 100)

	t.Run("requests spread over selected peers", func(t *testing.T) {
		engine := newTestPullEngine(testConfig())
		engine.table.Upsert(healthRecord(t, "node-1", 1, 100), now)

		peers := []Peer{
			{ID: "a", Addr: "a:8000", Stake: 100},
			{ID: "b", Addr: "b:8000", Stake: 100},
		}

		requests := engine.BuildRequests(peers, localContact, rng, now)
		require.NotEmpty(t, requests)

		for _, msg := range requests {
			header, err := decodePullRequest(msg.Buf)
			require.NoError(t, err)

			requester, err := fromWire(header.From)
			require.NoError(t, err)
			assert.Equal(t, "local", requester.Origin)

			// The filter must cover the local record.
			h := engine.table.Hashes()[0]
			if header.Filter.MatchesMask(h) {
				assert.True(t, header.Filter.Filter.Contains(h))
			}
		}
	})

	t.Run("no peers, no requests", func(t *testing.T) {
		engine := newTestPullEngine(testConfig())
		assert.Empty(t, engine.BuildRequests(nil, localContact, rng, now))
	})

	t.Run("recently synced peers skipped", func(t *testing.T) {
		engine := newTestPullEngine(testConfig())

		peers := []Peer{{ID: "a", Addr: "a:8000", Stake: 100}}

		engine.HandleResponse("a", nil, now)
		assert.Empty(t, engine.BuildRequests(peers, localContact, rng, now.Add(time.Second)))

		// Past the grace window the peer is eligible again.
		later := now.Add(engine.graceWindow + time.Second)
		assert.NotEmpty(t, engine.BuildRequests(peers, localContact, rng, later))
	})
}

func TestPullEngine_HandleRequest(t *testing.T) {
	now := time.Now()
	rng := rand.New(rand.NewSource(2))

	t.Run("returns records missing from the filter", func(t *testing.T) {
		engine := newTestPullEngine(testConfig())

		held := healthRecord(t, "node-1", 1, 100)
		known := healthRecord(t, "node-2", 1, 100)
		engine.table.Upsert(held, now)
		engine.table.Upsert(known, now)

		// The requester already has "known" but not "held".
		filter := PullFilter{Filter: NewBloom(16, 0.001, 8192, rng)}
		filter.Filter.Add(known.Hash())

		requester := contactRecord(t, "node-9", "n9:8000", 100)
		response, ok := engine.HandleRequest(requester, filter, now)
		require.True(t, ok)
		assert.Equal(t, "n9:8000", response.Addr)

		_, wires, err := decodePullResponse(response.Buf)
		require.NoError(t, err)

		hashes := make(map[uint64]bool)
		for _, wire := range wires {
			record, err := fromWire(wire)
			require.NoError(t, err)
			hashes[record.Hash()] = true
		}
		assert.True(t, hashes[held.Hash()])
		assert.False(t, hashes[known.Hash()])
	})

	t.Run("requester stored as liveness signal", func(t *testing.T) {
		engine := newTestPullEngine(testConfig())

		requester := contactRecord(t, "node-9", "n9:8000", 100)
		filter := PullFilter{Filter: NewBloom(16, 0.001, 8192, rng)}
		filter.Filter.Add(requester.Hash())

		engine.HandleRequest(requester, filter, now)

		_, ok := engine.table.Get(requester.Key())
		assert.True(t, ok)
	})

	t.Run("invalid requester dropped", func(t *testing.T) {
		engine := newTestPullEngine(testConfig())
		engine.table.Upsert(healthRecord(t, "node-1", 1, 100), now)

		requester := contactRecord(t, "node-9", "", 100)
		filter := PullFilter{Filter: NewBloom(16, 0.001, 8192, rng)}

		_, ok := engine.HandleRequest(requester, filter, now)
		assert.False(t, ok)
	})

	t.Run("response capped at one message", func(t *testing.T) {
		config := testConfig()
		config.MaxMessageSize = 300

		engine := newTestPullEngine(config)
		for i := 0; i != 50; i++ {
			record, err := NewRecord(
				"node-1",
				Label{Kind: LabelVote, Index: uint8(i)},
				Vote{Slot: uint64(i), Transaction: make([]byte, 32)},
				100,
			)
			require.NoError(t, err)
			engine.table.Upsert(record, now)
		}

		requester := contactRecord(t, "node-9", "n9:8000", 100)
		filter := PullFilter{Filter: NewBloom(16, 0.001, 8192, rng)}

		response, ok := engine.HandleRequest(requester, filter, now)
		require.True(t, ok)
		assert.LessOrEqual(t, len(response.Buf), 300)
		assert.Less(t, response.Records, 50)
	})
}

func TestPullEngine_HandleResponse(t *testing.T) {
	now := time.Now()

	engine := newTestPullEngine(testConfig())

	records := []*Record{
		healthRecord(t, "node-1", 1, 100),
		healthRecord(t, "node-2", 1, 100),
	}
	engine.HandleResponse("peer-1", records, now)
	assert.Equal(t, 2, engine.table.Len())

	// Stale records from a response are expected and absorbed.
	engine.HandleResponse("peer-1", records, now)
	assert.Equal(t, 2, engine.table.Len())
}
