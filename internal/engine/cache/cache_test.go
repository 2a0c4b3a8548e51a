package cache

import (
	"fmt"
	"testing"

	"github.com/vietddude/shopsync/internal/core/domain"
)

func entity(id string) *domain.Entity {
	return &domain.Entity{
		ID:     id,
		Kind:   domain.KindProduct,
		Fields: map[string]any{domain.FieldName: "Widget"},
	}
}

func TestMemory_SetGet(t *testing.T) {
	c := NewMemory(8)
	c.Set("p1", entity("p1"))

	got, ok := c.Get("p1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.ID != "p1" {
		t.Errorf("expected p1, got %s", got.ID)
	}
}

func TestMemory_GetReturnsClone(t *testing.T) {
	c := NewMemory(8)
	c.Set("p1", entity("p1"))

	got, _ := c.Get("p1")
	got.Fields[domain.FieldName] = "tampered"

	again, _ := c.Get("p1")
	if again.Fields[domain.FieldName] != "Widget" {
		t.Error("mutating a returned entity must not affect the cached copy")
	}
}

func TestMemory_InvalidateIsSynchronous(t *testing.T) {
	c := NewMemory(8)
	c.Set("p1", entity("p1"))
	c.Invalidate("p1")

	if _, ok := c.Get("p1"); ok {
		t.Error("expected miss immediately after Invalidate")
	}
}

func TestMemory_InvalidateAll(t *testing.T) {
	c := NewMemory(8)
	c.Set("p1", entity("p1"))
	c.Set("p2", entity("p2"))
	c.InvalidateAll()

	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d entries", c.Len())
	}
}

func TestMemory_BoundedEviction(t *testing.T) {
	c := NewMemory(4)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("p%d", i)
		c.Set(id, entity(id))
	}
	if c.Len() > 4 {
		t.Errorf("cache exceeded its bound: %d entries", c.Len())
	}
	// The newest entry must have been admitted.
	if _, ok := c.Get("p9"); !ok {
		t.Error("expected the most recent entry to be cached")
	}
}
