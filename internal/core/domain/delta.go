package domain

// DeltaType classifies one discrete change to a single entity.
type DeltaType string

const (
	DeltaAdded    DeltaType = "added"
	DeltaModified DeltaType = "modified"
	DeltaRemoved  DeltaType = "removed"
)

// ChangeDelta is one added/modified/removed change to a single entity.
// Optimistic marks deltas that originate from a local pending mutation rather
// than the remote authority. FirstLoad marks the initial snapshot burst so
// consumers do not announce pre-existing data as new.
type ChangeDelta struct {
	EntityID   string
	Collection Kind
	Type       DeltaType
	Entity     *Entity // nil for removed
	Version    uint64
	Optimistic bool
	FirstLoad  bool
}
