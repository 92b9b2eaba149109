package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tildaslashalef/venuesync/internal/app"
	"github.com/tildaslashalef/venuesync/internal/queue"
	"github.com/tildaslashalef/venuesync/internal/utils"
	"github.com/urfave/cli/v2"
)

// PendingCommand returns the CLI command for listing queued actions
func PendingCommand() *cli.Command {
	return &cli.Command{
		Name:  "pending",
		Usage: "List actions waiting to sync",
		Action: func(c *cli.Context) error {
			application, err := app.FromContext(c)
			if err != nil {
				return fmt.Errorf("failed to get application: %w", err)
			}

			actions, err := application.Queue.ListPending(c.Context)
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to list pending actions: %s", err))
				return err
			}

			now := time.Now()
			rows := make([][]string, 0, len(actions))
			for _, a := range actions {
				rows = append(rows, []string{
					a.ID,
					string(a.Kind),
					a.TargetID,
					describePayload(a),
					utils.StatusColor(string(a.Status)),
					strconv.Itoa(a.Attempts),
					utils.FormatAge(a.NextAttemptAt, now),
					utils.FormatAge(a.CreatedAt, now),
				})
			}

			utils.PrintTable(
				[]string{"ID", "Kind", "Target", "Payload", "Status", "Attempts", "Next attempt", "Queued"},
				rows,
				utils.TableOptions{Title: "Pending actions", Empty: "Nothing is waiting to sync"},
			)
			return nil
		},
	}
}

// FailedCommand returns the CLI command for listing and handling failed actions
func FailedCommand() *cli.Command {
	return &cli.Command{
		Name:        "failed",
		Usage:       "List actions that could not be synced",
		Description: "Failed actions were rolled back. Retry one to queue it again, or dismiss it once acknowledged.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "retry",
				Usage: "Queue the failed action with this id again",
			},
			&cli.StringFlag{
				Name:  "dismiss",
				Usage: "Remove the failed action with this id",
			},
		},
		Action: func(c *cli.Context) error {
			application, err := app.FromContext(c)
			if err != nil {
				return fmt.Errorf("failed to get application: %w", err)
			}

			if id := c.String("retry"); id != "" {
				res, err := application.Interaction.RetryFailed(c.Context, id)
				if err != nil {
					utils.PrintError(err.Error())
					return err
				}
				printResult("retry", res)
				return nil
			}

			if id := c.String("dismiss"); id != "" {
				if err := application.Interaction.DismissFailed(c.Context, id); err != nil {
					utils.PrintError(err.Error())
					return err
				}
				utils.PrintSuccess(fmt.Sprintf("Dismissed %s", id))
				return nil
			}

			actions, err := application.Queue.ListFailed(c.Context)
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to list failed actions: %s", err))
				return err
			}

			now := time.Now()
			rows := make([][]string, 0, len(actions))
			for _, a := range actions {
				rows = append(rows, []string{
					a.ID,
					string(a.Kind),
					a.TargetID,
					describePayload(a),
					utils.Truncate(a.FailReason, 48),
					strconv.Itoa(a.Attempts),
					utils.FormatAge(a.FailedAt, now),
				})
			}

			utils.PrintTable(
				[]string{"ID", "Kind", "Target", "Payload", "Reason", "Attempts", "Failed"},
				rows,
				utils.TableOptions{Title: "Failed actions", Empty: "No failed actions"},
			)
			return nil
		},
	}
}

func describePayload(a *queue.PendingAction) string {
	switch a.Kind {
	case queue.KindComment:
		return utils.Truncate(a.Payload.Text, 32)
	case queue.KindReaction:
		return a.Payload.Emoji
	}
	return ""
}
