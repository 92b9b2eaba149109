package commands

import (
	"fmt"

	"github.com/tildaslashalef/venuesync/internal/app"
	"github.com/tildaslashalef/venuesync/internal/utils"
	"github.com/urfave/cli/v2"
)

// SyncCommand returns the CLI command for draining the queue now
func SyncCommand() *cli.Command {
	return &cli.Command{
		Name:        "sync",
		Usage:       "Send queued actions to the server now",
		Description: "Runs one drain pass over the local action queue. Actions that fail transiently stay queued with backoff.",
		Action: func(c *cli.Context) error {
			application, err := app.FromContext(c)
			if err != nil {
				return fmt.Errorf("failed to get application: %w", err)
			}

			if err := drainOnce(c.Context, application); err != nil {
				return err
			}
			printStatus(application)
			return nil
		},
	}
}

// StatusCommand returns the CLI command for showing the sync status
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show queue and connectivity status",
		Action: func(c *cli.Context) error {
			application, err := app.FromContext(c)
			if err != nil {
				return fmt.Errorf("failed to get application: %w", err)
			}

			application.CheckConnectivity(c.Context)
			printStatus(application)
			return nil
		},
	}
}

func printStatus(application *app.App) {
	status := application.Engine.Status()

	network := "offline"
	if status.IsOnline {
		network = "online"
	}

	utils.PrintHeading("Sync status")
	utils.PrintKeyValue("Actor", application.Session.ActorID())
	utils.PrintKeyValue("Network", utils.StatusColor(network))
	utils.PrintKeyValue("Pending", fmt.Sprintf("%d", status.PendingCount))
	utils.PrintKeyValue("Failed", fmt.Sprintf("%d", status.FailedCount))
	if next, ok := application.Queue.NextRetryAt(); ok {
		utils.PrintKeyValue("Next retry", utils.FormatTime(next))
	}
	if !status.LastSyncAttempt.IsZero() {
		utils.PrintKeyValue("Last sync", utils.FormatTime(status.LastSyncAttempt))
	}
}
