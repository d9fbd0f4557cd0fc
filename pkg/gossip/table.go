package gossip

import (
	"sort"
	"sync"
	"time"
)

// InsertOutcome is the result of applying a record to the table.
type InsertOutcome int

const (
	// Inserted means the table had no record for the key.
	Inserted InsertOutcome = iota + 1
	// Updated means the record replaced an older version for the key.
	Updated
	// Stale means the table already holds an equal or newer version. Stale
	// is an expected, frequent outcome under gossip replay, not an error.
	Stale
)

func (o InsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// VersionedRecord is a stored record together with its local bookkeeping.
type VersionedRecord struct {
	Record *Record

	// Seq is the local insertion sequence. Sequences are strictly
	// increasing and stable, so they serve as restartable cursors for
	// "what changed since" queries.
	Seq uint64

	// ReceivedAt is the local time the record was stored, used for
	// retention.
	ReceivedAt time.Time
}

type logEntry struct {
	seq uint64
	key Key
}

// Table is the replicated key/value table holding the latest version of
// each (origin, label) pair.
//
// The table never fails: stale records are reported via the insert outcome
// and malformed input is rejected before reaching the table. All access is
// serialized by an internal mutex; the version comparison is atomic per key
// under it.
type Table struct {
	localID    string
	retention  time.Duration
	maxEntries int

	entries map[Key]*VersionedRecord
	byHash  map[uint64]Key
	shards  *Shards

	// log records insertions in sequence order. Entries whose seq no longer
	// matches the stored record are dead and skipped; the log is compacted
	// during purge.
	log []logEntry
	seq uint64

	// mu protects the above fields.
	mu sync.Mutex

	watcher Watcher

	metrics *Metrics
}

func NewTable(localID string, config *Config, watcher Watcher, metrics *Metrics) *Table {
	return &Table{
		localID:    localID,
		retention:  config.RetentionHorizon,
		maxEntries: config.MaxTableEntries,
		entries:    make(map[Key]*VersionedRecord),
		byHash:     make(map[uint64]Key),
		shards:     NewShards(config.ShardBits),
		watcher:    watcher,
		metrics:    metrics,
	}
}

// Upsert applies the record using the version rule: a record wins if its
// wallclock is strictly greater than the stored version's, with ties broken
// by content hash. Losing records are dropped silently with outcome Stale.
func (t *Table) Upsert(record *Record, now time.Time) InsertOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := record.Key()
	existing, ok := t.entries[key]
	if ok && !record.Supersedes(existing.Record) {
		t.metrics.RecordsStale.Inc()
		return Stale
	}

	if !ok && t.maxEntries > 0 && len(t.entries) >= t.maxEntries {
		t.purgeExpiredLocked(now)
		if len(t.entries) >= t.maxEntries {
			t.evictLocked(record.Label.Kind)
		}
	}

	if ok {
		t.shards.Remove(existing.Record.Hash())
		delete(t.byHash, existing.Record.Hash())
	}

	t.seq++
	t.entries[key] = &VersionedRecord{
		Record:     record,
		Seq:        t.seq,
		ReceivedAt: now,
	}
	t.byHash[record.Hash()] = key
	t.shards.Insert(record.Hash())
	t.log = append(t.log, logEntry{seq: t.seq, key: key})

	t.watcher.OnUpsert(record)

	if ok {
		t.metrics.RecordsUpdated.Inc()
	} else {
		t.metrics.RecordsInserted.Inc()
	}
	t.metrics.TableEntries.Set(float64(len(t.entries)))

	if ok {
		return Updated
	}
	return Inserted
}

// Get returns the stored record for the key.
func (t *Table) Get(key Key) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	return entry.Record, true
}

// GetVersioned returns the stored record and its local bookkeeping.
func (t *Table) GetVersioned(key Key) (VersionedRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		return VersionedRecord{}, false
	}
	return *entry, true
}

// Changes returns the live records inserted after the given sequence,
// ordered by insertion sequence. The sequence is a stable cursor: callers
// resume from the Seq of the last record they processed.
func (t *Table) Changes(since uint64) []VersionedRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := sort.Search(len(t.log), func(i int) bool {
		return t.log[i].seq > since
	})

	var out []VersionedRecord
	for ; i != len(t.log); i++ {
		entry, ok := t.entries[t.log[i].key]
		if !ok || entry.Seq != t.log[i].seq {
			// Superseded or purged.
			continue
		}
		out = append(out, *entry)
	}
	return out
}

// PurgeExpired removes records whose local receive time passed the
// retention horizon, except the local node's own records which never expire
// locally. Returns the removed keys so derived state (push queues, prune
// bookkeeping) can follow.
func (t *Table) PurgeExpired(now time.Time) []Key {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.purgeExpiredLocked(now)
}

func (t *Table) purgeExpiredLocked(now time.Time) []Key {
	var removed []Key
	for key, entry := range t.entries {
		if key.Origin == t.localID {
			continue
		}
		if now.Sub(entry.ReceivedAt) > t.retention {
			removed = append(removed, key)
		}
	}

	for _, key := range removed {
		t.removeLocked(key)
		t.watcher.OnExpire(key)
		t.metrics.RecordsExpired.Inc()
	}

	t.compactLogLocked()
	t.metrics.TableEntries.Set(float64(len(t.entries)))

	return removed
}

// evictLocked removes the oldest non-local record to make room, preferring
// records of the same label kind as the incoming one.
func (t *Table) evictLocked(kind LabelKind) {
	var victim Key
	found := false

	for _, sameKind := range []bool{true, false} {
		for _, le := range t.log {
			entry, ok := t.entries[le.key]
			if !ok || entry.Seq != le.seq {
				continue
			}
			if le.key.Origin == t.localID {
				continue
			}
			if sameKind && le.key.Label.Kind != kind {
				continue
			}
			victim = le.key
			found = true
			break
		}
		if found {
			break
		}
	}

	if !found {
		return
	}

	t.removeLocked(victim)
	t.metrics.TableEvictions.Inc()
}

func (t *Table) removeLocked(key Key) {
	entry, ok := t.entries[key]
	if !ok {
		return
	}
	t.shards.Remove(entry.Record.Hash())
	delete(t.byHash, entry.Record.Hash())
	delete(t.entries, key)
}

// compactLogLocked drops dead log entries once they dominate the log.
func (t *Table) compactLogLocked() {
	if len(t.log) < 2*len(t.entries) || len(t.log) < 1024 {
		return
	}

	compacted := make([]logEntry, 0, len(t.entries))
	for _, le := range t.log {
		entry, ok := t.entries[le.key]
		if ok && entry.Seq == le.seq {
			compacted = append(compacted, le)
		}
	}
	t.log = compacted
}

// Len returns the number of live records.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

// LatestSeq returns the latest insertion sequence.
func (t *Table) LatestSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.seq
}

// Hashes returns the content hashes of all live records.
func (t *Table) Hashes() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.shards.Hashes()
}

// RecordsMatching returns the live records whose content hash matches the
// top maskBits bits of mask. Only the matching shard buckets are read.
func (t *Table) RecordsMatching(mask uint64, maskBits uint32) []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	hashes := t.shards.HashesMatching(mask, maskBits)
	records := make([]*Record, 0, len(hashes))
	for _, h := range hashes {
		key, ok := t.byHash[h]
		if !ok {
			continue
		}
		records = append(records, t.entries[key].Record)
	}
	return records
}

// RecordsOfKind returns the live records with the given label kind.
func (t *Table) RecordsOfKind(kind LabelKind) []VersionedRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []VersionedRecord
	for key, entry := range t.entries {
		if key.Label.Kind == kind {
			out = append(out, *entry)
		}
	}
	return out
}
