package commands

import (
	"context"
	"fmt"

	"github.com/appetiteclub/bartab/cmd/utils/internal/seeding"
	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/seed"
)

// SeedDemo applies the demo session seeds once, tracked in the session database
func SeedDemo(ctx context.Context, config *aqm.Config, logger aqm.Logger) error {
	logger.Info("Starting demo seeding process...")

	client, db, err := connect(ctx, config, logger)
	if err != nil {
		return err
	}
	defer client.Disconnect(ctx)

	tracker := seed.NewMongoTracker(db)
	if err := seed.Apply(ctx, tracker, seeding.Seeds(db), "session"); err != nil {
		return fmt.Errorf("seed sessions: %w", err)
	}

	logger.Info("Session demo seeds applied successfully")
	return nil
}
