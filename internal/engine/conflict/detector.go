package conflict

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/shopsync/internal/core/domain"
	"github.com/vietddude/shopsync/internal/engine/metrics"
	"github.com/vietddude/shopsync/internal/engine/notify"
)

// Detector owns the conflict queue. It is constructed explicitly and injected
// wherever needed; there is no package-level queue. Records persist until
// acknowledged — forgetting a conflict is an explicit action, never
// incidental.
type Detector struct {
	notifier notify.Notifier

	mu      sync.RWMutex
	records map[string]*domain.ConflictRecord
}

// NewDetector creates an empty conflict queue.
func NewDetector(notifier notify.Notifier) *Detector {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Detector{
		notifier: notifier,
		records:  make(map[string]*domain.ConflictRecord),
	}
}

// Check compares a pending local patch against the changed fields of an
// incoming remote payload:
//
//   - disjoint field sets: no conflict, both apply independently
//   - overlapping fields, identical values: no conflict
//   - overlapping fields, differing values: a ConflictRecord is queued
//
// The caller applies the remote value to the mirror regardless (server wins);
// the record keeps the local intent reviewable. Returns the new record, or
// nil when there is no conflict.
func (d *Detector) Check(collection domain.Kind, entityID string, local domain.Patch, remote map[string]any) *domain.ConflictRecord {
	localLost := make(domain.Patch)
	remoteWon := make(map[string]any)
	for field, want := range local {
		got, overlaps := remote[field]
		if !overlaps {
			continue
		}
		if domain.FieldsEqual(want, got) {
			continue
		}
		localLost[field] = want
		remoteWon[field] = got
	}
	if len(localLost) == 0 {
		return nil
	}

	rec := &domain.ConflictRecord{
		ID:           uuid.NewString(),
		EntityID:     entityID,
		Collection:   collection,
		LocalFields:  localLost,
		RemoteFields: remoteWon,
		DetectedAt:   time.Now(),
	}

	d.mu.Lock()
	d.records[rec.ID] = rec
	open := d.openLocked()
	d.mu.Unlock()

	metrics.ConflictsDetected.WithLabelValues(string(collection)).Inc()
	metrics.ConflictsOpen.Set(float64(open))

	d.notifier.Notify(notify.Notification{
		Level:   notify.LevelWarning,
		Message: "Your pending edit was overridden by a newer remote change.",
	})
	return rec
}

// RecordRemoval queues a conflict for an entity that was removed remotely
// while a local edit was pending. The whole pending patch counts as lost.
func (d *Detector) RecordRemoval(collection domain.Kind, entityID string, local domain.Patch) *domain.ConflictRecord {
	rec := &domain.ConflictRecord{
		ID:           uuid.NewString(),
		EntityID:     entityID,
		Collection:   collection,
		LocalFields:  local.Clone(),
		RemoteFields: nil, // entity gone
		DetectedAt:   time.Now(),
	}

	d.mu.Lock()
	d.records[rec.ID] = rec
	open := d.openLocked()
	d.mu.Unlock()

	metrics.ConflictsDetected.WithLabelValues(string(collection)).Inc()
	metrics.ConflictsOpen.Set(float64(open))

	d.notifier.Notify(notify.Notification{
		Level:   notify.LevelWarning,
		Message: "An item you were editing was deleted remotely.",
	})
	return rec
}

// Records returns clones of all queued records, unacknowledged first.
func (d *Detector) Records() []domain.ConflictRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.ConflictRecord, 0, len(d.records))
	for _, r := range d.records {
		if !r.Acknowledged {
			out = append(out, *r)
		}
	}
	for _, r := range d.records {
		if r.Acknowledged {
			out = append(out, *r)
		}
	}
	return out
}

// Acknowledge marks one record as reviewed. Returns false for unknown ids.
func (d *Detector) Acknowledge(conflictID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.records[conflictID]
	if !ok {
		return false
	}
	if !r.Acknowledged {
		r.Acknowledged = true
		metrics.ConflictsOpen.Set(float64(d.openLocked()))
	}
	return true
}

// ClearAcknowledged drops every acknowledged record. Unacknowledged records
// persist by design. Returns the number removed.
func (d *Detector) ClearAcknowledged() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for id, r := range d.records {
		if r.Acknowledged {
			delete(d.records, id)
			removed++
		}
	}
	return removed
}

// Open reports the number of unacknowledged records.
func (d *Detector) Open() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.openLocked()
}

func (d *Detector) openLocked() int {
	n := 0
	for _, r := range d.records {
		if !r.Acknowledged {
			n++
		}
	}
	return n
}
