package gossip

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// RecordsInserted is the total number of records stored under a new
	// key.
	RecordsInserted prometheus.Counter

	// RecordsUpdated is the total number of records that replaced an older
	// version.
	RecordsUpdated prometheus.Counter

	// RecordsStale is the total number of records dropped because the table
	// already held an equal or newer version.
	RecordsStale prometheus.Counter

	// RecordsExpired is the total number of records removed by retention.
	RecordsExpired prometheus.Counter

	// RecordsRejected is the total number of inbound records dropped at the
	// boundary (failed verification or malformed).
	RecordsRejected prometheus.Counter

	// TableEvictions is the total number of records evicted at capacity.
	TableEvictions prometheus.Counter

	// TableEntries is the number of live records in the table.
	TableEntries prometheus.Gauge

	// PushMessagesOutbound is the total number of push messages sent.
	PushMessagesOutbound prometheus.Counter

	// PushRecordsInbound is the total number of records received via push.
	PushRecordsInbound prometheus.Counter

	// PushRecordsDuplicate is the number of pushed records that were
	// already known, the redundancy signal feeding the prune manager.
	PushRecordsDuplicate prometheus.Counter

	// PullRequestsOutbound is the total number of pull requests sent.
	PullRequestsOutbound prometheus.Counter

	// PullRequestsInbound is the total number of pull requests answered.
	PullRequestsInbound prometheus.Counter

	// PullResponsesOutbound is the total number of pull responses sent.
	PullResponsesOutbound prometheus.Counter

	// PullRecordsInbound is the total number of records received via pull
	// responses.
	PullRecordsInbound prometheus.Counter

	// PullRecordsDuplicate is the number of pulled records that were
	// already known (filter false positives and races).
	PullRecordsDuplicate prometheus.Counter

	// PullResponseOverflow is the number of records that did not fit in a
	// pull response and were deferred to a later round.
	PullResponseOverflow prometheus.Counter

	// PrunesOutbound is the total number of prune messages sent.
	PrunesOutbound prometheus.Counter

	// PrunesInbound is the total number of prune messages applied.
	PrunesInbound prometheus.Counter

	// BytesOutbound is the total number of message bytes handed to the
	// transport.
	BytesOutbound prometheus.Counter

	// BytesInbound is the total number of message bytes received.
	BytesInbound prometheus.Counter
}

func newMetrics() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agave",
			Subsystem: "gossip",
			Name:      name,
			Help:      help,
		})
	}

	return &Metrics{
		RecordsInserted: counter(
			"records_inserted_total",
			"Total number of records stored under a new key",
		),
		RecordsUpdated: counter(
			"records_updated_total",
			"Total number of records that replaced an older version",
		),
		RecordsStale: counter(
			"records_stale_total",
			"Total number of records dropped as equal or older than the stored version",
		),
		RecordsExpired: counter(
			"records_expired_total",
			"Total number of records removed by retention",
		),
		RecordsRejected: counter(
			"records_rejected_total",
			"Total number of inbound records dropped at the boundary",
		),
		TableEvictions: counter(
			"table_evictions_total",
			"Total number of records evicted at capacity",
		),
		TableEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agave",
			Subsystem: "gossip",
			Name:      "table_entries",
			Help:      "Number of live records in the table",
		}),
		PushMessagesOutbound: counter(
			"push_messages_outbound_total",
			"Total number of push messages sent",
		),
		PushRecordsInbound: counter(
			"push_records_inbound_total",
			"Total number of records received via push",
		),
		PushRecordsDuplicate: counter(
			"push_records_duplicate_total",
			"Number of pushed records that were already known",
		),
		PullRequestsOutbound: counter(
			"pull_requests_outbound_total",
			"Total number of pull requests sent",
		),
		PullRequestsInbound: counter(
			"pull_requests_inbound_total",
			"Total number of pull requests answered",
		),
		PullResponsesOutbound: counter(
			"pull_responses_outbound_total",
			"Total number of pull responses sent",
		),
		PullRecordsInbound: counter(
			"pull_records_inbound_total",
			"Total number of records received via pull responses",
		),
		PullRecordsDuplicate: counter(
			"pull_records_duplicate_total",
			"Number of pulled records that were already known",
		),
		PullResponseOverflow: counter(
			"pull_response_overflow_total",
			"Number of records deferred from a pull response to a later round",
		),
		PrunesOutbound: counter(
			"prunes_outbound_total",
			"Total number of prune messages sent",
		),
		PrunesInbound: counter(
			"prunes_inbound_total",
			"Total number of prune messages applied",
		),
		BytesOutbound: counter(
			"bytes_outbound_total",
			"Total number of message bytes handed to the transport",
		),
		BytesInbound: counter(
			"bytes_inbound_total",
			"Total number of message bytes received",
		),
	}
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.RecordsInserted,
		m.RecordsUpdated,
		m.RecordsStale,
		m.RecordsExpired,
		m.RecordsRejected,
		m.TableEvictions,
		m.TableEntries,
		m.PushMessagesOutbound,
		m.PushRecordsInbound,
		m.PushRecordsDuplicate,
		m.PullRequestsOutbound,
		m.PullRequestsInbound,
		m.PullResponsesOutbound,
		m.PullRecordsInbound,
		m.PullRecordsDuplicate,
		m.PullResponseOverflow,
		m.PrunesOutbound,
		m.PrunesInbound,
		m.BytesOutbound,
		m.BytesInbound,
	)
}
