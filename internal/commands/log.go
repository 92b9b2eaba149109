package commands

import (
	"fmt"
	"time"

	"github.com/tildaslashalef/venuesync/internal/app"
	"github.com/tildaslashalef/venuesync/internal/utils"
	"github.com/urfave/cli/v2"
)

// LogCommand returns the CLI command for browsing the sync journal
func LogCommand() *cli.Command {
	return &cli.Command{
		Name:  "log",
		Usage: "Show recent sync attempts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "action",
				Usage: "Only show attempts of this action id",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Number of attempts to show",
				Value: 20,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of attempts to skip",
			},
			&cli.DurationFlag{
				Name:  "prune",
				Usage: "Delete attempts older than this duration instead of listing",
			},
		},
		Action: func(c *cli.Context) error {
			application, err := app.FromContext(c)
			if err != nil {
				return fmt.Errorf("failed to get application: %w", err)
			}

			if age := c.Duration("prune"); age > 0 {
				n, err := application.Journal.Prune(c.Context, time.Now().Add(-age))
				if err != nil {
					utils.PrintError(fmt.Sprintf("Failed to prune sync log: %s", err))
					return err
				}
				utils.PrintSuccess(fmt.Sprintf("Pruned %d attempt(s)", n))
				return nil
			}

			logs, err := application.Journal.List(c.Context, c.String("action"), c.Int("limit"), c.Int("offset"))
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to read sync log: %s", err))
				return err
			}

			rows := make([][]string, 0, len(logs))
			for _, l := range logs {
				detail := l.ErrorType
				if l.ErrorMessage != "" {
					detail += ": " + utils.Truncate(l.ErrorMessage, 48)
				}
				rows = append(rows, []string{
					utils.FormatTime(l.StartedAt),
					l.ActionID,
					string(l.Kind),
					l.TargetID,
					fmt.Sprintf("%d", l.Attempt),
					utils.StatusColor(string(l.Outcome)),
					l.FinishedAt.Sub(l.StartedAt).Round(time.Millisecond).String(),
					detail,
				})
			}

			utils.PrintTable(
				[]string{"Started", "Action", "Kind", "Target", "Attempt", "Outcome", "Took", "Detail"},
				rows,
				utils.TableOptions{Title: "Sync log", Empty: "No sync attempts recorded"},
			)
			return nil
		},
	}
}
