package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies an entity collection.
type Kind string

const (
	KindBill    Kind = "bills"
	KindProduct Kind = "products"
	KindVendor  Kind = "vendors"
)

// Field keys shared by the typed variants. The engine compares patches and
// remote payloads by these keys, so they must match what drivers store.
const (
	FieldName     = "name"
	FieldStatus   = "status"
	FieldAmount   = "amount"
	FieldDueDate  = "due_date"
	FieldVendorID = "vendor_id"
	FieldBillID   = "bill_id"
	FieldSKU      = "sku"
	FieldPrice    = "price"
	FieldCost     = "cost"
	FieldQuantity = "quantity"
	FieldPhone    = "phone"
	FieldEmail    = "email"
	FieldNumber   = "number"
	FieldNotes    = "notes"
)

// Entity is the engine-level record: an identified, versioned field set.
// Typed variants (Bill, Product, Vendor) convert to and from this shape.
type Entity struct {
	ID        string
	Kind      Kind
	Fields    map[string]any
	Version   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy. The mirror hands out clones so readers never
// share mutable state with the authoritative map.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Fields = make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		cp.Fields[k] = v
	}
	return &cp
}

// Patch is a partial field update keyed by field name.
type Patch map[string]any

// Clone returns a copy of the patch.
func (p Patch) Clone() Patch {
	cp := make(Patch, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}

// BillStatus enumerates bill payment states.
type BillStatus string

const (
	BillStatusDraft    BillStatus = "draft"
	BillStatusOpen     BillStatus = "open"
	BillStatusPaid     BillStatus = "paid"
	BillStatusArchived BillStatus = "archived"
)

// Bill is a payable document owed to a vendor.
type Bill struct {
	ID       string          `validate:"-"`
	Number   string          `validate:"required"`
	VendorID string          `validate:"required"`
	Amount   decimal.Decimal `validate:"-"`
	Status   BillStatus      `validate:"required,oneof=draft open paid archived"`
	DueDate  *time.Time      `validate:"-"`
	Notes    string          `validate:"-"`
}

// ToFields flattens the bill into the engine field map.
func (b *Bill) ToFields() map[string]any {
	f := map[string]any{
		FieldNumber:   b.Number,
		FieldVendorID: b.VendorID,
		FieldAmount:   b.Amount,
		FieldStatus:   string(b.Status),
		FieldNotes:    b.Notes,
	}
	if b.DueDate != nil {
		f[FieldDueDate] = *b.DueDate
	}
	return f
}

// BillFromEntity reconstructs a Bill from an engine record.
func BillFromEntity(e *Entity) *Bill {
	b := &Bill{ID: e.ID}
	b.Number, _ = e.Fields[FieldNumber].(string)
	b.VendorID, _ = e.Fields[FieldVendorID].(string)
	b.Amount = DecimalField(e.Fields, FieldAmount)
	if s, ok := e.Fields[FieldStatus].(string); ok {
		b.Status = BillStatus(s)
	}
	if d, ok := e.Fields[FieldDueDate].(time.Time); ok {
		b.DueDate = &d
	}
	b.Notes, _ = e.Fields[FieldNotes].(string)
	return b
}

// Product is a stock item, optionally linked to exactly one bill.
type Product struct {
	ID       string          `validate:"-"`
	Name     string          `validate:"required"`
	SKU      string          `validate:"required"`
	Price    decimal.Decimal `validate:"-"`
	Cost     decimal.Decimal `validate:"-"`
	Quantity int64           `validate:"gte=0"`
	BillID   *string         `validate:"-"` // nil = standalone product
}

// ToFields flattens the product into the engine field map.
func (p *Product) ToFields() map[string]any {
	f := map[string]any{
		FieldName:     p.Name,
		FieldSKU:      p.SKU,
		FieldPrice:    p.Price,
		FieldCost:     p.Cost,
		FieldQuantity: p.Quantity,
	}
	if p.BillID != nil {
		f[FieldBillID] = *p.BillID
	}
	return f
}

// ProductFromEntity reconstructs a Product from an engine record.
func ProductFromEntity(e *Entity) *Product {
	p := &Product{ID: e.ID}
	p.Name, _ = e.Fields[FieldName].(string)
	p.SKU, _ = e.Fields[FieldSKU].(string)
	p.Price = DecimalField(e.Fields, FieldPrice)
	p.Cost = DecimalField(e.Fields, FieldCost)
	switch q := e.Fields[FieldQuantity].(type) {
	case int64:
		p.Quantity = q
	case int:
		p.Quantity = int64(q)
	case float64:
		p.Quantity = int64(q)
	}
	if id, ok := e.Fields[FieldBillID].(string); ok && id != "" {
		p.BillID = &id
	}
	return p
}

// Vendor is a supplier contact record.
type Vendor struct {
	ID    string `validate:"-"`
	Name  string `validate:"required"`
	Phone string `validate:"-"`
	Email string `validate:"omitempty,email"`
}

// ToFields flattens the vendor into the engine field map.
func (v *Vendor) ToFields() map[string]any {
	return map[string]any{
		FieldName:  v.Name,
		FieldPhone: v.Phone,
		FieldEmail: v.Email,
	}
}

// DecimalField reads a decimal value from a field map, tolerating the
// representations drivers produce (decimal, string, float).
func DecimalField(fields map[string]any, key string) decimal.Decimal {
	switch v := fields[key].(type) {
	case decimal.Decimal:
		return v
	case string:
		d, err := decimal.NewFromString(v)
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(v)
	case int64:
		return decimal.NewFromInt(v)
	case int:
		return decimal.NewFromInt(int64(v))
	}
	return decimal.Zero
}

// FieldsEqual compares two field values for conflict purposes. Decimals are
// compared by value, everything else by interface equality.
func FieldsEqual(a, b any) bool {
	da, aok := a.(decimal.Decimal)
	db, bok := b.(decimal.Decimal)
	if aok && bok {
		return da.Equal(db)
	}
	ta, aok := a.(time.Time)
	tb, bok := b.(time.Time)
	if aok && bok {
		return ta.Equal(tb)
	}
	return a == b
}
