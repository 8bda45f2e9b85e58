package failover

// EventKind distinguishes the three shapes a watch can deliver: a single
// object applied, a single object deleted, or a full resync snapshot.
type EventKind int

const (
	// Applied carries one created-or-updated object.
	Applied EventKind = iota
	// Deleted carries one removed object.
	Deleted
	// Restarted carries the full set of currently-known objects,
	// replacing everything the store previously held.
	Restarted
)

// Event is a single notification from a watch stream, normalized to the
// three kinds the reconciler understands. Object is set for Applied and
// Deleted; Snapshot is set for Restarted.
type Event[T any] struct {
	Kind     EventKind
	Object   T
	Snapshot []T
}
