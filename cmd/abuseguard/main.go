package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/router-for-me/abuseguard/internal/app"
	"github.com/router-for-me/abuseguard/internal/config"

	log "github.com/sirupsen/logrus"
)

// main runs the CLI entrypoint and exits on unrecoverable command errors.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if errRun := run(ctx, os.Args[1:]); errRun != nil {
		log.WithError(errRun).Error("command failed")
		stop()
		os.Exit(1)
	}
}

// run parses flags, loads the environment and dispatches to init, migrate or the gateway.
func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("abuseguard", flag.ContinueOnError)
	cfgPath := flags.String("config", "", "config file path (or env CONFIG_PATH)")
	envFile := flags.String("env-file", ".env", "optional dotenv file loaded before reading the environment")
	port := flags.Int("port", 0, "override the configured listen port")
	initOnly := flags.Bool("init", false, "write a default config file with fresh secrets and exit")
	migrateOnly := flags.Bool("migrate", false, "run audit database migrations and exit")
	if errParse := flags.Parse(args); errParse != nil {
		return errParse
	}

	if errValidate := validatePort(*port); errValidate != nil {
		return errValidate
	}
	if errEnv := loadEnvFile(*envFile); errEnv != nil {
		return errEnv
	}

	appCfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*cfgPath) != "" {
		appCfg.ConfigPath = config.ResolveConfigPath(*cfgPath)
	}

	switch {
	case *initOnly:
		token, errInit := app.WriteConfigFile(appCfg.ConfigPath, *port)
		if errInit != nil {
			return errInit
		}
		log.Infof("config written to %s", appCfg.ConfigPath)
		fmt.Printf("operator token (shown once): %s\n", token)
		return nil
	case *migrateOnly:
		return app.Migrate(ctx, appCfg)
	}

	return app.RunServer(ctx, appCfg, *port)
}

// loadEnvFile applies a dotenv file without overriding variables already set.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if errLoad := godotenv.Load(path); errLoad != nil {
		if errors.Is(errLoad, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", errLoad)
	}
	return nil
}

func validatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}
