package mirror

import (
	"testing"

	"github.com/vietddude/shopsync/internal/core/domain"
)

func product(id string, fields map[string]any) *domain.Entity {
	return &domain.Entity{ID: id, Kind: domain.KindProduct, Fields: fields}
}

func TestApply_MonotonicVersions(t *testing.T) {
	m := New(domain.KindProduct)

	if !m.Apply("p1", 5, product("p1", map[string]any{"name": "v5"})) {
		t.Fatal("initial apply rejected")
	}
	// Stale delta arrives late.
	if m.Apply("p1", 3, product("p1", map[string]any{"name": "v3"})) {
		t.Error("stale version must be discarded")
	}
	got, _ := m.Get("p1")
	if got.Fields["name"] != "v5" {
		t.Errorf("mirror regressed to %v", got.Fields["name"])
	}
}

func TestApply_DuplicateVersionIdempotent(t *testing.T) {
	m := New(domain.KindProduct)
	e := product("p1", map[string]any{"name": "v5"})

	m.Apply("p1", 5, e)
	if !m.Apply("p1", 5, e) {
		t.Error("re-applying the same version must be accepted (idempotent)")
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 entity, got %d", m.Len())
	}
}

func TestRemove_KeepsVersionFloor(t *testing.T) {
	m := New(domain.KindProduct)
	m.Apply("p1", 5, product("p1", nil))

	if !m.Remove("p1", 6) {
		t.Fatal("removal rejected")
	}
	if _, ok := m.Get("p1"); ok {
		t.Error("entity still present after removal")
	}
	// A stale update for the dead id must still be recognized as stale.
	if m.Apply("p1", 4, product("p1", nil)) {
		t.Error("stale apply after removal must be discarded")
	}
	if m.Version("p1") != 6 {
		t.Errorf("version floor = %d, want 6", m.Version("p1"))
	}
}

func TestRemove_StaleDiscarded(t *testing.T) {
	m := New(domain.KindProduct)
	m.Apply("p1", 8, product("p1", nil))

	if m.Remove("p1", 5) {
		t.Error("stale removal must be discarded")
	}
	if _, ok := m.Get("p1"); !ok {
		t.Error("entity lost to a stale removal")
	}
}

func TestApplyPatch_DoesNotTouchFloor(t *testing.T) {
	m := New(domain.KindProduct)
	m.Apply("p1", 5, product("p1", map[string]any{"name": "orig", "price": "9.99"}))

	patched := m.ApplyPatch("p1", domain.Patch{"name": "edited"})
	if patched.Fields["name"] != "edited" {
		t.Error("patch not applied")
	}
	if patched.Fields["price"] != "9.99" {
		t.Error("untouched fields must survive the patch")
	}
	if m.Version("p1") != 5 {
		t.Errorf("optimistic patch moved the version floor to %d", m.Version("p1"))
	}
}

func TestRestore_RevertsBitForBit(t *testing.T) {
	m := New(domain.KindProduct)
	m.Apply("p1", 5, product("p1", map[string]any{"name": "orig"}))
	snapshot, _ := m.Get("p1")

	m.ApplyPatch("p1", domain.Patch{"name": "edited", "extra": true})
	m.Restore("p1", snapshot)

	got, _ := m.Get("p1")
	if got.Fields["name"] != "orig" {
		t.Errorf("name = %v after restore, want orig", got.Fields["name"])
	}
	if _, ok := got.Fields["extra"]; ok {
		t.Error("restored entity carries fields from the reverted patch")
	}
}

func TestRestore_NilSnapshotDeletes(t *testing.T) {
	m := New(domain.KindProduct)
	m.ApplyPatch("p1", domain.Patch{"name": "optimistic"})

	m.Restore("p1", nil)
	if _, ok := m.Get("p1"); ok {
		t.Error("nil snapshot restore must delete the optimistic entity")
	}
}

func TestLinkedProducts(t *testing.T) {
	m := New(domain.KindProduct)
	m.Apply("p1", 1, product("p1", map[string]any{domain.FieldBillID: "b1"}))
	m.Apply("p2", 2, product("p2", map[string]any{domain.FieldBillID: "b2"}))
	m.Apply("p3", 3, product("p3", map[string]any{domain.FieldBillID: "b1"}))
	m.Apply("p4", 4, product("p4", map[string]any{}))

	linked := m.LinkedProducts("b1")
	if len(linked) != 2 {
		t.Fatalf("expected 2 linked products, got %d", len(linked))
	}
}

func TestClearField(t *testing.T) {
	m := New(domain.KindProduct)
	m.Apply("p1", 1, product("p1", map[string]any{domain.FieldBillID: "b1", "name": "Widget"}))

	updated := m.ClearField("p1", domain.FieldBillID)
	if updated == nil {
		t.Fatal("expected updated entity")
	}
	if _, ok := updated.Fields[domain.FieldBillID]; ok {
		t.Error("bill_id still present after clear")
	}
	if updated.Fields["name"] != "Widget" {
		t.Error("other fields must survive the clear")
	}

	if m.ClearField("absent", domain.FieldBillID) != nil {
		t.Error("clearing an absent entity must return nil")
	}
}

func TestGet_ReturnsClone(t *testing.T) {
	m := New(domain.KindProduct)
	m.Apply("p1", 1, product("p1", map[string]any{"name": "orig"}))

	got, _ := m.Get("p1")
	got.Fields["name"] = "tampered"

	again, _ := m.Get("p1")
	if again.Fields["name"] != "orig" {
		t.Error("mutating a returned entity must not leak into the mirror")
	}
}
