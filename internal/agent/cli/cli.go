// Package cli implements the agent's commands: credential management,
// manual sync, conflict inspection and the contribution controls.
package cli

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	httpapi "github.com/cirkelline/localagent/internal/agent/api"
	"github.com/cirkelline/localagent/internal/agent/creds"
	"github.com/cirkelline/localagent/internal/agent/storage/boltdb"
	"github.com/cirkelline/localagent/internal/agent/syncer"
	"github.com/cirkelline/localagent/internal/audit"
)

// Cli bundles the services the commands operate on.
type Cli struct {
	store   *boltdb.Storage
	client  *httpapi.Client
	creds   *creds.Service
	manager *syncer.Manager
	history *audit.Store
	logger  *slog.Logger

	serverURL string
}

// New creates the command surface.
func New(
	store *boltdb.Storage,
	client *httpapi.Client,
	credsService *creds.Service,
	manager *syncer.Manager,
	history *audit.Store,
	logger *slog.Logger,
	serverURL string,
) *Cli {
	return &Cli{
		store:     store,
		client:    client,
		creds:     credsService,
		manager:   manager,
		history:   history,
		logger:    logger,
		serverURL: serverURL,
	}
}

// PrintUsage prints the command overview.
func PrintUsage() {
	fmt.Println("localagent - local sync and contribution agent")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  localagent [flags] <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  login                     Store the access credential for this device")
	fmt.Println("  logout                    Remove the stored credential")
	fmt.Println("  run                       Run the agent daemon (sync + contribution loops)")
	fmt.Println("  sync                      Run one sync cycle now")
	fmt.Println("  status                    Show queue, checkpoint and sync history")
	fmt.Println("  conflicts                 List conflicts awaiting a decision")
	fmt.Println("  resolve <id> local|server Resolve a conflict with the chosen side")
	fmt.Println("  contribute enable         Enable background contribution (asks for acknowledgement)")
	fmt.Println("  contribute disable        Disable background contribution")
	fmt.Println("  contribute status         Show contribution settings and usage history")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -server <url>   Sync service URL")
	fmt.Println("  -db <path>      Agent database file")
	fmt.Println("  -audit <path>   Audit history database file")
	fmt.Println("  -realtime       Keep a realtime channel open in daemon mode")
	fmt.Println("  -version        Show version information")
}

// readInput reads one trimmed line from stdin.
func readInput(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// readSecret reads a line without echoing it.
func readSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(secret)), nil
}
