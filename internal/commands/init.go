package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/tildaslashalef/venuesync/internal/config"
	"github.com/tildaslashalef/venuesync/internal/database"
	"github.com/tildaslashalef/venuesync/internal/utils"
	"github.com/urfave/cli/v2"
)

// InitCommandName is skipped by the application bootstrap, since init
// prepares what the bootstrap needs.
const InitCommandName = "init"

// InitCommand returns the CLI command for initializing venuesync
func InitCommand() *cli.Command {
	return &cli.Command{
		Name:  InitCommandName,
		Usage: "Initialize or update the local venuesync environment",
		Description: "Creates the configuration directory with a sample .env file and the local " +
			"database holding the action queue and sync log.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing .env, keeping a dated backup",
			},
		},
		Action: func(c *cli.Context) error {
			utils.PrintHeading("Initializing venuesync")

			homeDir, err := os.UserHomeDir()
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to get user home directory: %s", err))
				return fmt.Errorf("failed to get user home directory: %w", err)
			}

			configDir := filepath.Join(homeDir, ".venuesync")
			configFilePath := filepath.Join(configDir, ".env")
			utils.PrintInfo("Configuration directory: " + color.YellowString("%s", configDir))

			if err := config.SetupConfigDirectory(configDir, c.Bool("force")); err != nil {
				utils.PrintError(fmt.Sprintf("Failed to set up configuration files: %s", err))
				return fmt.Errorf("failed to set up configuration directory: %w", err)
			}

			cfg, err := config.LoadFromEnv(configDir, configFilePath)
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to load configuration: %s", err))
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			utils.PrintInfo("Initializing database...")
			db, err := database.Open(cfg.Database)
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to open database: %s", err))
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			if err := database.RunMigrations(db); err != nil {
				utils.PrintError(fmt.Sprintf("Failed to apply migrations: %s", err))
				return err
			}

			utils.PrintSuccess("venuesync initialized")
			utils.PrintKeyValue("Configuration file", color.YellowString("%s", configFilePath))
			utils.PrintKeyValue("Database", color.YellowString("%s", cfg.Database.Path))
			utils.PrintKeyValue("Log file", color.YellowString("%s", cfg.Logging.Output))
			fmt.Println()
			utils.PrintInfo("Set " + color.CyanString("VENUESYNC_AUTH_ACCESS_TOKEN") + " or " +
				color.CyanString("VENUESYNC_AUTH_ACTOR_ID") + " before queueing actions.")
			return nil
		},
	}
}
