package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vonshlovens/drivemirror/internal/config"
)

func initCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup to create config file",
		Long:  `Interactively creates a configuration file for the mirror database and the remote drive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := cfgFile
			if configPath == "" {
				configPath = filepath.Join(config.ConfigDir(), "config.yaml")
			}
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
			}

			cfg := config.DefaultConfig()
			if err := runSetupForm(cfg); err != nil {
				return err
			}

			// Secrets are read from the environment, never written to disk
			password := cfg.Database.Password
			if cfg.Database.Driver == "postgres" {
				cfg.Database.Password = "${DB_PASSWORD}"
			}
			if cfg.Remote.Backend == "gdrive" {
				cfg.Remote.GDrive.ClientSecret = "${GDRIVE_CLIENT_SECRET}"
				cfg.Remote.GDrive.RefreshToken = "${GDRIVE_REFRESH_TOKEN}"
			}
			if cfg.Remote.Backend == "s3" {
				cfg.Remote.S3.SecretKey = "${S3_SECRET_KEY}"
			}
			cfg.Sync.IgnorePatterns = []string{"**/.DS_Store", "**/Thumbs.db"}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}

			if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := os.WriteFile(configPath, data, 0600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Printf("\nConfig file written to: %s\n", configPath)
			fmt.Printf("\nIMPORTANT: Set the secret environment variables:\n")
			if cfg.Database.Driver == "postgres" {
				fmt.Printf("  export DB_PASSWORD='%s'\n", password)
			}
			switch cfg.Remote.Backend {
			case "gdrive":
				fmt.Println("  export GDRIVE_CLIENT_SECRET=...")
				fmt.Println("  export GDRIVE_REFRESH_TOKEN=...")
			case "s3":
				fmt.Println("  export S3_SECRET_KEY=...")
			}
			fmt.Println("\nTo run migrations, run: drivemirror migrate")
			fmt.Println("To mirror the drive, run: drivemirror sync")
			fmt.Println("To serve the HTTP API, run: drivemirror serve")

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func runSetupForm(cfg *config.Config) error {
	port := strconv.Itoa(cfg.Database.Port)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Mirror database").
				Options(
					huh.NewOption("SQLite (embedded file)", "sqlite"),
					huh.NewOption("PostgreSQL", "postgres"),
				).
				Value(&cfg.Database.Driver),
			huh.NewSelect[string]().
				Title("Remote drive").
				Options(
					huh.NewOption("Google Drive", "gdrive"),
					huh.NewOption("S3 / MinIO bucket", "s3"),
					huh.NewOption("In-memory (testing)", "memory"),
				).
				Value(&cfg.Remote.Backend),
		),

		huh.NewGroup(
			huh.NewInput().Title("SQLite database path").Value(&cfg.Database.Path).Validate(required("path")),
		).WithHideFunc(func() bool { return cfg.Database.Driver != "sqlite" }),

		huh.NewGroup(
			huh.NewInput().Title("Host").Value(&cfg.Database.Host).Validate(required("host")),
			huh.NewInput().Title("Port").Value(&port).Validate(func(s string) error {
				if _, err := strconv.Atoi(s); err != nil {
					return errors.New("port must be a number")
				}
				return nil
			}),
			huh.NewInput().Title("User").Value(&cfg.Database.User).Validate(required("user")),
			huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&cfg.Database.Password),
			huh.NewInput().Title("Database name").Value(&cfg.Database.Database).Validate(required("database name")),
			huh.NewInput().Title("Schema name").Value(&cfg.Database.Schema),
			huh.NewSelect[string]().
				Title("SSL mode").
				Options(huh.NewOptions("require", "verify-full", "prefer", "disable")...).
				Value(&cfg.Database.SSLMode),
		).WithHideFunc(func() bool { return cfg.Database.Driver != "postgres" }),

		huh.NewGroup(
			huh.NewInput().Title("OAuth client ID").Value(&cfg.Remote.GDrive.ClientID).Validate(required("client ID")),
			huh.NewInput().Title("Root folder ID (blank for My Drive)").Value(&cfg.Remote.GDrive.RootFolderID),
		).WithHideFunc(func() bool { return cfg.Remote.Backend != "gdrive" }),

		huh.NewGroup(
			huh.NewInput().Title("Bucket").Value(&cfg.Remote.S3.Bucket).Validate(required("bucket")),
			huh.NewInput().Title("Region").Value(&cfg.Remote.S3.Region),
			huh.NewInput().Title("Endpoint (blank for AWS)").Value(&cfg.Remote.S3.Endpoint),
			huh.NewInput().Title("Access key").Value(&cfg.Remote.S3.AccessKey),
		).WithHideFunc(func() bool { return cfg.Remote.Backend != "s3" }),

		huh.NewGroup(
			huh.NewConfirm().Title("Trash mirror rows no longer seen on the remote after a crawl?").Value(&cfg.Sync.TrashUnseen),
			huh.NewConfirm().Title("Reject duplicate names within a folder?").Value(&cfg.Sync.UniqueNames),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup cancelled: %w", err)
	}

	p, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	cfg.Database.Port = p
	cfg.Database.Schema = config.SanitizeIdentifier(cfg.Database.Schema)
	return nil
}

func required(field string) func(string) error {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}
