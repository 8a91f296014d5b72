package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	httpapi "github.com/cirkelline/localagent/internal/agent/api"
	"github.com/cirkelline/localagent/internal/agent/cli"
	"github.com/cirkelline/localagent/internal/agent/creds"
	"github.com/cirkelline/localagent/internal/agent/storage/boltdb"
	"github.com/cirkelline/localagent/internal/agent/syncer"
	"github.com/cirkelline/localagent/internal/audit"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	serverURL := flag.String("server", "http://localhost:8080", "Sync service URL")
	dbPath := flag.String("db", "localagent.db", "Path to agent database")
	auditPath := flag.String("audit", "localagent-audit.db", "Path to audit history database")
	useRealtime := flag.Bool("realtime", false, "Keep a realtime channel open in daemon mode")

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		cli.PrintUsage()
		os.Exit(1)
	}
	command := args[0]

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	store, err := boltdb.New(ctx, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	history, err := audit.New(ctx, *auditPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open audit database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := history.Close(); err != nil {
			logger.Error("failed to close audit database", "error", err)
		}
	}()

	apiClient := httpapi.NewClient(*serverURL)
	credsService := creds.NewService(store, deviceSecret())
	manager := syncer.NewManager(apiClient, store, store, store, store, logger)
	c := cli.New(store, apiClient, credsService, manager, history, logger, *serverURL)

	switch command {
	case "login":
		err = c.RunLogin(ctx)
	case "logout":
		err = c.RunLogout(ctx)
	case "run":
		err = c.RunDaemon(ctx, *useRealtime)
	case "sync":
		err = c.RunSync(ctx)
	case "status":
		err = c.RunStatus(ctx)
	case "conflicts":
		err = c.RunConflicts(ctx)
	case "resolve":
		err = c.RunResolve(ctx, args[1:])
	case "contribute":
		err = c.RunContribute(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		cli.PrintUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// deviceSecret is the local machine secret the credential encryption key
// is derived from. Overridable for setups where the hostname is not
// stable.
func deviceSecret() string {
	if secret := os.Getenv("LOCALAGENT_DEVICE_SECRET"); secret != "" {
		return secret
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "localagent-fallback-secret"
	}
	return "localagent-" + hostname
}

func printVersion() {
	fmt.Printf("localagent\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
