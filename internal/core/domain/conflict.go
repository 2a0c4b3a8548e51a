package domain

import "time"

// ConflictRecord captures a divergence between a pending local patch and a
// confirmed remote change on overlapping fields. Records stay queued until
// explicitly acknowledged; they never auto-expire.
type ConflictRecord struct {
	ID           string         `json:"id"`
	EntityID     string         `json:"entity_id"`
	Collection   Kind           `json:"collection"`
	LocalFields  Patch          `json:"local_fields"`  // the fields the pending mutation wanted
	RemoteFields map[string]any `json:"remote_fields"` // the authoritative values that won
	DetectedAt   time.Time      `json:"detected_at"`
	Acknowledged bool           `json:"acknowledged"`
}
