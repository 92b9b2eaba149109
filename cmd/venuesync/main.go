package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/venuesync/internal/app"
	"github.com/tildaslashalef/venuesync/internal/commands"
)

// Version information - populated at build time
var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
	Author     = "unknown"
	Email      = "unknown"
)

func main() {
	cliApp := &cli.App{
		Name:  "venuesync",
		Usage: "Offline-tolerant sync client for venue social interactions",
		Description: "venuesync records likes, comments, reactions and follows locally, shows them right away\n" +
			"and syncs them to the venue server whenever the network allows.",
		Version: fmt.Sprintf("%s (%s)", Version, CommitHash),
		Compiled: func() time.Time {
			t, err := time.Parse(time.RFC3339, BuildTime)
			if err != nil {
				return time.Now()
			}
			return t
		}(),
		Authors: []*cli.Author{
			{
				Name:  Author,
				Email: Email,
			},
		},
		Before: func(c *cli.Context) error {
			if c.Args().First() == commands.InitCommandName {
				return nil
			}

			application, err := app.New()
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			c.App.Metadata = map[string]interface{}{
				"app": application,
			}

			return nil
		},
		After: func(c *cli.Context) error {
			if app, ok := c.App.Metadata["app"].(*app.App); ok {
				return app.Shutdown()
			}
			return nil
		},
		Commands: []*cli.Command{
			commands.InitCommand(),
			commands.LikeCommand(),
			commands.UnlikeCommand(),
			commands.CommentCommand(),
			commands.ReactCommand(),
			commands.FollowCommand(),
			commands.UnfollowCommand(),
			commands.SyncCommand(),
			commands.StatusCommand(),
			commands.PendingCommand(),
			commands.FailedCommand(),
			commands.LogCommand(),
			commands.WatchCommand(),
			commands.MigrateCommand(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
