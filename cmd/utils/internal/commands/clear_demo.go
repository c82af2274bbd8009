package commands

import (
	"context"
	"fmt"

	"github.com/appetiteclub/bartab/cmd/utils/internal/seeding"
	"github.com/aquamarinepk/aqm"
	"go.mongodb.org/mongo-driver/bson"
)

// ClearDemo removes demo sessions and their seed tracker entry
func ClearDemo(ctx context.Context, config *aqm.Config, logger aqm.Logger) error {
	logger.Info("Starting demo data cleanup...")

	client, db, err := connect(ctx, config, logger)
	if err != nil {
		return err
	}
	defer client.Disconnect(ctx)

	result, err := db.Collection(seeding.Collection).DeleteMany(ctx, bson.M{"created_by": seeding.DemoCreatedBy})
	if err != nil {
		return fmt.Errorf("delete demo sessions: %w", err)
	}
	logger.Info("Deleted demo sessions", "count", result.DeletedCount)

	tracker, err := db.Collection("_seeds").DeleteOne(ctx, bson.M{"_id": seeding.DemoSeedID})
	if err != nil {
		return fmt.Errorf("delete session seed tracker: %w", err)
	}
	logger.Info("Cleared session seed tracker", "deleted", tracker.DeletedCount)

	return nil
}
