package seeding

import (
	"context"
	"fmt"
	"time"

	"github.com/appetiteclub/bartab/pkg/enums/paymentstatus"
	"github.com/appetiteclub/bartab/pkg/enums/phase"
	"github.com/aquamarinepk/aqm/seed"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	DemoSeedID    = "demo_sessions_v1"
	DemoCreatedBy = "demo-seed"
	Collection    = "sessions"
)

// demoNamespace keeps demo record ids stable across runs.
var demoNamespace = uuid.MustParse("6f1c2f64-8d53-4d4e-9d0b-7a1f3b2e5c10")

// Seeds returns the demo seeds for the session database
func Seeds(db *mongo.Database) []seed.Seed {
	return []seed.Seed{
		{
			ID:          DemoSeedID,
			Description: "Create demo sessions: an open tab, a settled tab and a legacy v1 document",
			Run: func(ctx context.Context) error {
				return SeedSessions(ctx, db, time.Now().UTC())
			},
		},
	}
}

// SeedSessions upserts the demo session documents.
func SeedSessions(ctx context.Context, db *mongo.Database, now time.Time) error {
	coll := db.Collection(Collection)
	for _, doc := range DemoSessions(now) {
		_, err := coll.UpdateOne(
			ctx,
			bson.M{"_id": doc["_id"]},
			bson.M{"$setOnInsert": doc},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return fmt.Errorf("cannot create demo session %v: %w", doc["_id"], err)
		}
	}
	return nil
}

// DemoSessions builds the raw demo documents. The legacy document has no
// payment block and is upgraded by the service when first read.
func DemoSessions(now time.Time) []bson.M {
	tip := 15
	opened := now.Add(-40 * time.Minute)
	settled := now.Add(-2 * time.Hour)

	return []bson.M{
		{
			"_id":            "demo-open-tab",
			"schema_version": 3,
			"revision":       int64(1),
			"conversation": bson.M{
				"turn_count":       6,
				"phase":            phase.Phases.OrderTaking.Code(),
				"small_talk_count": 0,
				"last_activity":    now,
			},
			"order_history": []bson.M{
				record("demo-open-tab", "Old Fashioned", 1, 12.00, opened, false, nil),
				record("demo-open-tab", "Margarita", 1, 12.50, opened.Add(15*time.Minute), false, nil),
			},
			"current_order": []bson.M{},
			"payment": bson.M{
				"balance":              975.50,
				"tab_total":            24.50,
				"tip_percentage":       tip,
				"tip_amount":           3.68,
				"payment_status":       paymentstatus.Statuses.None.Code(),
				"version":              int64(3),
				"needs_reconciliation": false,
			},
			"created_at": opened,
			"updated_at": now,
			"created_by": DemoCreatedBy,
		},
		{
			"_id":            "demo-settled-tab",
			"schema_version": 3,
			"revision":       int64(1),
			"conversation": bson.M{
				"turn_count":       9,
				"phase":            phase.Phases.ReorderPrompt.Code(),
				"small_talk_count": 0,
				"last_activity":    settled,
			},
			"order_history": []bson.M{
				record("demo-settled-tab", "Negroni", 2, 22.00, settled.Add(-30*time.Minute), true, &tip),
			},
			"current_order": []bson.M{},
			"payment": bson.M{
				"balance":              978.00,
				"tab_total":            0.0,
				"tip_percentage":       nil,
				"tip_amount":           0.0,
				"payment_status":       paymentstatus.Statuses.Succeeded.Code(),
				"version":              int64(4),
				"needs_reconciliation": false,
			},
			"created_at": settled.Add(-45 * time.Minute),
			"updated_at": settled,
			"created_by": DemoCreatedBy,
		},
		{
			"_id":            "demo-legacy-v1",
			"schema_version": 1,
			"revision":       int64(1),
			"conversation": bson.M{
				"turn_count": 2,
				"phase":      phase.Phases.SmallTalk.Code(),
			},
			"order_history": []bson.M{
				record("demo-legacy-v1", "Pale Ale", 1, 7.00, opened, false, nil),
			},
			"current_order": []bson.M{
				{"name": "Nachos", "quantity": 1, "price": 9.00, "added_at": now},
			},
			"created_at": opened,
			"updated_at": opened,
			"created_by": DemoCreatedBy,
		},
	}
}

func record(sessionID, item string, qty int, price float64, at time.Time, paid bool, tip *int) bson.M {
	rec := bson.M{
		"id":         uuid.NewSHA1(demoNamespace, []byte(sessionID+"/"+item)),
		"item":       item,
		"quantity":   qty,
		"price":      price,
		"ordered_at": at,
		"paid":       paid,
		"tip_amount": 0.0,
	}
	if paid {
		rec["paid_at"] = at.Add(20 * time.Minute)
		if tip != nil {
			rec["tip_percentage"] = *tip
			rec["tip_amount"] = float64(int(price*float64(*tip)+0.5)) / 100
		}
	}
	return rec
}
