package gossip

// Watcher is used to receive notifications when the replicated table
// changes.
//
// The implementations of Watcher must not block. Watcher is called with the
// table mutex held so must not call back into the table.
type Watcher interface {
	// OnUpsert notifies that a record was inserted or replaced an older
	// version.
	OnUpsert(record *Record)

	// OnExpire notifies that a record passed the retention horizon and was
	// removed.
	OnExpire(key Key)
}

type nopWatcher struct {
}

func NewNopWatcher() *nopWatcher {
	return &nopWatcher{}
}

func (w *nopWatcher) OnUpsert(_ *Record) {}

func (w *nopWatcher) OnExpire(_ Key) {}

var _ Watcher = &nopWatcher{}
