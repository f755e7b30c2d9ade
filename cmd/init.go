package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"syscall"

	"github.com/MathItYT/tmg-bot/tmgbot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin credentials",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		db, err := openDB(ctx)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		runtimeConfig, err := loadRuntimeConfig(db)
		if err != nil {
			log.Fatalf("Error retrieving runtime config: %v", err)
		}

		out := cmd.OutOrStdout()
		if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
			fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")

			reader := bufio.NewReader(os.Stdin)

			fmt.Fprint(out, "Enter admin username: ")
			username, _ := reader.ReadString('\n')
			username = strings.TrimSpace(username)
			if username == "" {
				log.Fatal("Username can't be empty")
			}

			if customPasswordReader == nil {
				customPasswordReader = func() ([]byte, error) {
					return term.ReadPassword(int(syscall.Stdin))
				}
			}

			var password string
			for {
				fmt.Fprint(out, "Enter admin password: ")
				passwordBytes, readErr := customPasswordReader()
				if readErr != nil {
					log.Fatalf("Error reading password: %v", readErr)
				}
				password = string(passwordBytes)
				fmt.Fprintln(out)

				fmt.Fprint(out, "Confirm admin password: ")
				confirmPasswordBytes, readErr := customPasswordReader()
				if readErr != nil {
					log.Fatalf("Error reading password: %v", readErr)
				}
				fmt.Fprintln(out)

				if password != "" && password == string(confirmPasswordBytes) {
					break
				}
				fmt.Fprintln(out, "Passwords do not match. Please try again.")
			}

			hashedPassword, hashErr := tmgbot.HashPassword(password)
			if hashErr != nil {
				log.Fatalf("Error hashing password: %v", hashErr)
			}

			if err = db.Model(&runtimeConfig).Updates(
				map[string]any{
					"admin_username": username,
					"admin_password": hashedPassword,
				},
			).Error; err != nil {
				log.Fatalf("Error updating admin credentials: %v", err)
			}

			fmt.Fprintln(out, "Admin credentials set successfully.")
		} else {
			fmt.Fprintln(out, "Admin credentials are already set.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

// openDB connects to the configured database, running migrations
func openDB(ctx context.Context) (*gorm.DB, error) {
	if cfg.DatabaseType == "" {
		return nil, fmt.Errorf(
			"%s_DATABASE_TYPE not set (must be one of: sqlite, postgres)",
			tmgbot.DefaultEnvPrefix,
		)
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf(
			"%s_DATABASE not set (must be a valid database connection "+
				"string or sqlite file path)",
			tmgbot.DefaultEnvPrefix,
		)
	}
	return tmgbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
}

// loadRuntimeConfig returns the active runtime config, creating the
// default one if there isn't one yet.
func loadRuntimeConfig(db *gorm.DB) (tmgbot.RuntimeConfig, error) {
	var runtimeConfig tmgbot.RuntimeConfig
	err := db.Last(&runtimeConfig).Error
	if err == nil {
		return runtimeConfig, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return runtimeConfig, err
	}
	runtimeConfig = tmgbot.DefaultRuntimeConfig()
	if err = db.Create(&runtimeConfig).Error; err != nil {
		return runtimeConfig, fmt.Errorf("error creating runtime config: %w", err)
	}
	return runtimeConfig, nil
}

func init() {
	rootCmd.AddCommand(initCmd)
}
