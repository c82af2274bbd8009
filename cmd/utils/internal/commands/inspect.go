package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/appetiteclub/bartab/cmd/utils/internal/seeding"
	"github.com/aquamarinepk/aqm"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Inspect prints the stored session document as relaxed extended JSON.
func Inspect(ctx context.Context, config *aqm.Config, logger aqm.Logger, sessionID string, out io.Writer) error {
	if sessionID == "" {
		return errors.New("inspect: session id required")
	}
	if err := requireMongoBackend(config.GetStringOrDef("store.backend", "mongo")); err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	client, db, err := connect(ctx, config, logger)
	if err != nil {
		return err
	}
	defer client.Disconnect(ctx)

	var raw bson.Raw
	err = db.Collection(seeding.Collection).FindOne(ctx, bson.M{"_id": sessionID}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return fmt.Errorf("find session %s: %w", sessionID, err)
	}

	data, err := bson.MarshalExtJSONIndent(raw, false, false, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sessionID, err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

// Reconcile lists sessions whose payment could not be confirmed in time.
func Reconcile(ctx context.Context, config *aqm.Config, logger aqm.Logger, out io.Writer) error {
	if err := requireMongoBackend(config.GetStringOrDef("store.backend", "mongo")); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	client, db, err := connect(ctx, config, logger)
	if err != nil {
		return err
	}
	defer client.Disconnect(ctx)

	opts := options.Find().SetProjection(bson.M{
		"_id":                       1,
		"payment.stripe_payment_id": 1,
		"payment.payment_amount":    1,
		"updated_at":                1,
	})
	cursor, err := db.Collection(seeding.Collection).Find(ctx, bson.M{"payment.needs_reconciliation": true}, opts)
	if err != nil {
		return fmt.Errorf("find sessions needing reconciliation: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ID      string `bson:"_id"`
		Payment struct {
			PaymentID string  `bson:"stripe_payment_id"`
			Amount    float64 `bson:"payment_amount"`
		} `bson:"payment"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return fmt.Errorf("decode sessions needing reconciliation: %w", err)
	}

	if len(rows) == 0 {
		_, err := fmt.Fprintln(out, "no sessions need reconciliation")
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(out, "%s\t%s\t%.2f\n", row.ID, row.Payment.PaymentID, row.Payment.Amount); err != nil {
			return err
		}
	}
	return nil
}
