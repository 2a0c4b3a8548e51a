package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/vietddude/shopsync/internal/control"
	"github.com/vietddude/shopsync/internal/core/config"
	"github.com/vietddude/shopsync/internal/core/domain"
	"github.com/vietddude/shopsync/internal/infra/store"
	"github.com/vietddude/shopsync/internal/infra/store/memory"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found")
	}

	ctx := context.Background()

	// 1. Seed an in-process store with a vendor, a bill and a linked product
	now := time.Now().Unix()
	st := memory.New()
	st.Seed(domain.KindVendor, store.Document{
		ID:      "v-acme",
		Version: 1,
		Fields: map[string]any{
			domain.FieldName: "Acme Supplies",
		},
		CreatedAt: now, UpdatedAt: now,
	})
	st.Seed(domain.KindBill, store.Document{
		ID:      "b-1001",
		Version: 2,
		Fields: map[string]any{
			domain.FieldNumber:   "B-1001",
			domain.FieldVendorID: "v-acme",
			domain.FieldAmount:   decimal.RequireFromString("125.50"),
			domain.FieldStatus:   string(domain.BillStatusOpen),
		},
		CreatedAt: now, UpdatedAt: now,
	})
	st.Seed(domain.KindProduct, store.Document{
		ID:      "p-widget",
		Version: 3,
		Fields: map[string]any{
			domain.FieldName:     "Widget",
			domain.FieldSKU:      "WID-1",
			domain.FieldPrice:    decimal.RequireFromString("9.99"),
			domain.FieldCost:     decimal.RequireFromString("4.20"),
			domain.FieldQuantity: int64(40),
			domain.FieldBillID:   "b-1001",
		},
		CreatedAt: now, UpdatedAt: now,
	})

	// 2. Wire a manager against the seeded store
	app, err := control.NewManager(control.Config{
		Port:   8080,
		Engine: config.EngineConfig{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, BulkConcurrency: 2},
		Driver: st,
	})
	if err != nil {
		log.Fatalf("manager init failed: %v", err)
	}
	if err := app.Open(ctx); err != nil {
		log.Fatalf("open failed: %v", err)
	}

	// 3. Watch the product delta timeline
	deltas, _ := app.Deltas(domain.KindProduct)
	go func() {
		for d := range deltas {
			fmt.Printf("delta: %-9s %s optimistic=%t first=%t\n", d.Type, d.EntityID, d.Optimistic, d.FirstLoad)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	// 4. Create a product optimistically and let the echo settle
	created, err := app.Submit(ctx, domain.KindProduct, domain.MutationCreate, "", domain.Patch{
		domain.FieldName:     "Gadget",
		domain.FieldSKU:      "GAD-1",
		domain.FieldPrice:    decimal.RequireFromString("24.00"),
		domain.FieldCost:     decimal.RequireFromString("11.00"),
		domain.FieldQuantity: int64(12),
	})
	if err != nil {
		log.Fatalf("create failed: %v", err)
	}
	fmt.Printf("created product %s\n", created.ID)

	// 5. Mark the bill paid
	if _, err := app.Submit(ctx, domain.KindBill, domain.MutationUpdate, "b-1001", domain.Patch{
		domain.FieldStatus: string(domain.BillStatusPaid),
	}); err != nil {
		log.Fatalf("update failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	// 6. Show the derived dashboard numbers
	totals := app.Totals(domain.KindBill, domain.FieldAmount)
	fmt.Printf("bills: count=%d total=%s avg=%s\n", totals.Count, totals.Sum, totals.Avg)
	fmt.Printf("profit: %s\n", app.Profit())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Close(shutdownCtx); err != nil {
		log.Fatalf("shutdown failed: %v", err)
	}
}
