package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/tildaslashalef/venuesync/internal/app"
	"github.com/tildaslashalef/venuesync/internal/interaction"
	"github.com/tildaslashalef/venuesync/internal/optimistic"
	"github.com/tildaslashalef/venuesync/internal/queue"
	"github.com/tildaslashalef/venuesync/internal/sync"
	"github.com/tildaslashalef/venuesync/internal/utils"
	"github.com/urfave/cli/v2"
)

var (
	ownerFlag = &cli.StringFlag{
		Name:  "owner",
		Usage: "Owner of the post, notified once the action syncs",
	}
	syncFlag = &cli.BoolFlag{
		Name:  "sync",
		Usage: "Drain the queue right away instead of waiting for the background sync",
	}
)

type gestureFunc func(ctx context.Context, s *interaction.Service, c *cli.Context) (interaction.Result, error)

// postGesture builds a command acting on a post. extra names the positional
// arguments after the post id.
func postGesture(name, usage string, extra []string, run gestureFunc) *cli.Command {
	argsUsage := "<post>"
	for _, a := range extra {
		argsUsage += " <" + a + ">"
	}
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: argsUsage,
		Flags:     []cli.Flag{ownerFlag, syncFlag},
		Action:    gestureAction(1+len(extra), run),
	}
}

// LikeCommand returns the CLI command for liking a post
func LikeCommand() *cli.Command {
	return postGesture("like", "Like a post", nil, func(ctx context.Context, s *interaction.Service, c *cli.Context) (interaction.Result, error) {
		return s.Like(ctx, c.Args().Get(0), ownerOption(c)...)
	})
}

// UnlikeCommand returns the CLI command for removing a like
func UnlikeCommand() *cli.Command {
	return postGesture("unlike", "Remove your like from a post", nil, func(ctx context.Context, s *interaction.Service, c *cli.Context) (interaction.Result, error) {
		return s.Unlike(ctx, c.Args().Get(0), ownerOption(c)...)
	})
}

// CommentCommand returns the CLI command for commenting on a post
func CommentCommand() *cli.Command {
	return postGesture("comment", "Comment on a post", []string{"text"}, func(ctx context.Context, s *interaction.Service, c *cli.Context) (interaction.Result, error) {
		return s.Comment(ctx, c.Args().Get(0), c.Args().Get(1), ownerOption(c)...)
	})
}

// ReactCommand returns the CLI command for reacting to a post
func ReactCommand() *cli.Command {
	return postGesture("react", "React to a post with an emoji", []string{"emoji"}, func(ctx context.Context, s *interaction.Service, c *cli.Context) (interaction.Result, error) {
		return s.React(ctx, c.Args().Get(0), c.Args().Get(1), ownerOption(c)...)
	})
}

// FollowCommand returns the CLI command for following a user
func FollowCommand() *cli.Command {
	return &cli.Command{
		Name:      "follow",
		Usage:     "Follow a user",
		ArgsUsage: "<user>",
		Flags:     []cli.Flag{syncFlag},
		Action: gestureAction(1, func(ctx context.Context, s *interaction.Service, c *cli.Context) (interaction.Result, error) {
			return s.Follow(ctx, c.Args().Get(0))
		}),
	}
}

// UnfollowCommand returns the CLI command for unfollowing a user
func UnfollowCommand() *cli.Command {
	return &cli.Command{
		Name:      "unfollow",
		Usage:     "Stop following a user",
		ArgsUsage: "<user>",
		Flags:     []cli.Flag{syncFlag},
		Action: gestureAction(1, func(ctx context.Context, s *interaction.Service, c *cli.Context) (interaction.Result, error) {
			return s.Unfollow(ctx, c.Args().Get(0))
		}),
	}
}

func ownerOption(c *cli.Context) []interaction.GestureOption {
	if owner := c.String("owner"); owner != "" {
		return []interaction.GestureOption{interaction.ForOwner(owner)}
	}
	return nil
}

func gestureAction(nargs int, run gestureFunc) cli.ActionFunc {
	return func(c *cli.Context) error {
		if c.NArg() != nargs {
			return cli.ShowSubcommandHelp(c)
		}

		application, err := app.FromContext(c)
		if err != nil {
			return fmt.Errorf("failed to get application: %w", err)
		}

		res, err := run(c.Context, application.Interaction, c)
		if err != nil {
			var failure *queue.EnqueueFailure
			switch {
			case errors.As(err, &failure):
				utils.PrintError(failure.Error())
			case errors.Is(err, sync.ErrNoActor):
				utils.PrintError("Not signed in: set VENUESYNC_AUTH_ACCESS_TOKEN or VENUESYNC_AUTH_ACTOR_ID")
			default:
				utils.PrintError(err.Error())
			}
			return err
		}

		printResult(c.Command.Name, res)

		if c.Bool("sync") {
			return drainOnce(c.Context, application)
		}
		return nil
	}
}

func printResult(name string, res interaction.Result) {
	switch res.Outcome {
	case queue.OutcomeQueued:
		utils.PrintSuccess(fmt.Sprintf("%s queued as %s", name, color.CyanString(res.Action.ID)))
	case queue.OutcomeDeduplicated:
		utils.PrintInfo(fmt.Sprintf("%s already queued as %s", name, color.CyanString(res.Action.ID)))
	case queue.OutcomeCancelled:
		utils.PrintInfo(fmt.Sprintf("%s cancelled the queued opposite action", name))
	}

	d := res.Displayed
	switch res.Ref.Type {
	case optimistic.EntityUser:
		utils.PrintKeyValue("Followers", fmt.Sprintf("%d", d.FollowerCount))
		utils.PrintKeyValue("Following", fmt.Sprintf("%t", d.FollowedByMe))
	default:
		utils.PrintKeyValue("Likes", fmt.Sprintf("%d", d.LikeCount))
		utils.PrintKeyValue("Comments", fmt.Sprintf("%d", d.CommentCount))
		utils.PrintKeyValue("Reactions", fmt.Sprintf("%d", d.ReactionCount))
		utils.PrintKeyValue("Liked", fmt.Sprintf("%t", d.LikedByMe))
	}
}

// drainOnce runs one drain pass, printing permanent failures as they happen
func drainOnce(ctx context.Context, application *app.App) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	online := application.CheckConnectivity(probeCtx)
	cancel()
	if !online {
		utils.PrintWarning("Offline: actions stay queued until connectivity returns")
		return nil
	}

	stop := application.Engine.OnEvent(func(ev sync.Event) {
		if ev.Type == sync.EventFailed {
			utils.PrintError(fmt.Sprintf("%s on %s failed: %s", ev.Action.Kind, ev.Action.TargetID, ev.Verdict.Reason))
		}
	})
	defer stop()

	res, err := application.Engine.Drain(ctx)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Sync failed: %s", err))
		return err
	}

	utils.PrintSuccess(fmt.Sprintf("Synced %d, retrying %d, failed %d", res.Synced, res.Retried, res.Failed))
	return nil
}
