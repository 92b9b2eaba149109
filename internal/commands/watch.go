package commands

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/tildaslashalef/venuesync/internal/app"
	"github.com/tildaslashalef/venuesync/internal/commands/watch"
	"github.com/tildaslashalef/venuesync/internal/realtime"
	"github.com/urfave/cli/v2"
)

// WatchCommand returns the CLI command for the live view of a post
func WatchCommand() *cli.Command {
	return &cli.Command{
		Name:        "watch",
		Usage:       "Watch a post live",
		ArgsUsage:   "<post>",
		Description: "Shows the post's counters as displayed locally, the actions queued behind them and changes pushed by the server. Syncing runs in the background while watching.",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.ShowSubcommandHelp(c)
			}

			application, err := app.FromContext(c)
			if err != nil {
				return fmt.Errorf("failed to get application: %w", err)
			}

			model := watch.NewModel(watch.Deps{
				Interaction: application.Interaction,
				Applier:     application.Applier,
				Queue:       application.Queue,
				Router:      application.Router,
				Engine:      application.Engine,
				Loader:      realtime.NewStoreLoader(application.Store, application.Session),
				Session:     application.Session,
			}, c.Args().First())

			if err := model.Start(); err != nil {
				return fmt.Errorf("failed to subscribe: %w", err)
			}
			defer model.Close()

			application.Start()

			p := tea.NewProgram(model, tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("error running watch view: %w", err)
			}
			return nil
		},
	}
}
