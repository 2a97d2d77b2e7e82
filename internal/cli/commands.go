// Package cli implements the interactive operator console: live
// session and game tables plus the management commands.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openspore-project/openspore/internal/blaze"
	"github.com/openspore-project/openspore/internal/component"
	"github.com/openspore-project/openspore/internal/config"
	"github.com/openspore-project/openspore/internal/events"
	"github.com/openspore-project/openspore/internal/sporenet"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	server   *blaze.Server
	comps    *component.Components
	store    *sporenet.Store

	startTime time.Time
}

// NewCLI creates a new CLI handler.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, server *blaze.Server, comps *component.Components, store *sporenet.Store) *CLI {
	return &CLI{
		cfg:       cfg,
		eventBus:  eventBus,
		server:    server,
		comps:     comps,
		store:     store,
		startTime: time.Now(),
	}
}

// Start begins the interactive CLI loop.
func (c *CLI) Start(ctx context.Context) {
	fmt.Println("\nOpenSpore CLI ready. Type 'help' for available commands.")
	fmt.Println("─────────────────────────────────────────────────────")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("openspore> ")

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return
		case line, ok = <-lines:
			if !ok {
				return
			}
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		if err := c.execute(ctx, cmd, args); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "info", "i":
		c.printInfo()
	case "sessions", "s":
		c.printSessions()
	case "games", "g":
		c.printGames()
	case "kick":
		return c.cmdKick(args)
	case "setconfig":
		return c.cmdSetConfig(ctx, args)
	case "loglevel":
		return c.cmdLogLevel(args)
	case "quit", "exit", "q":
		fmt.Println("Shutting down OpenSpore...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Println("\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                    OpenSpore CLI Commands                    ║")
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Println("║  info               Show server summary                     ║")
	fmt.Println("║  sessions           List open Blaze sessions                ║")
	fmt.Println("║  games              List live games                         ║")
	fmt.Println("║  kick <id>          Force-close a session                   ║")
	fmt.Println("║  setconfig <k> <v>  Update a configuration value            ║")
	fmt.Println("║  loglevel <level>   Change the log level                    ║")
	fmt.Println("║  quit               Shutdown OpenSpore                      ║")
	fmt.Println("║  help               Show this help message                  ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// printInfo prints a one-screen server summary.
func (c *CLI) printInfo() {
	fmt.Printf("\n  Game:         %s\n", c.cfg.GetString(config.KeyGameName))
	fmt.Printf("  Uptime:       %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Printf("  Blaze addr:   %s\n", c.server.Addr("blaze"))
	fmt.Printf("  Redirector:   %s\n", c.server.Addr("redirector"))
	fmt.Printf("  Sessions:     %d\n", c.server.SessionCount())
	fmt.Printf("  Games:        %d\n", c.comps.GameCount())

	if st, err := c.store.Stat(); err == nil {
		fmt.Printf("  Users:        %d\n", st.Users)
		fmt.Printf("  Personas:     %d\n", st.Personas)
	}
	fmt.Println()
}

// printSessions renders the open sessions as a table.
func (c *CLI) printSessions() {
	infos := c.server.Sessions()
	if len(infos) == 0 {
		fmt.Println("No open sessions")
		return
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"ID", "Remote", "Endpoint", "State", "Subscriptions", "Idle"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, info := range infos {
		tw.Append([]string{
			fmt.Sprintf("%d", info.ID),
			info.RemoteAddr,
			info.Endpoint,
			info.State,
			strings.Join(info.Subscriptions, ","),
			time.Since(info.LastActivity).Round(time.Second).String(),
		})
	}

	tw.Render()
	fmt.Println()
}

// printGames renders the live game table.
func (c *CLI) printGames() {
	games := c.comps.Games()
	if len(games) == 0 {
		fmt.Println("No live games")
		return
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"ID", "Name", "Host Session", "Max Players"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, g := range games {
		tw.Append([]string{
			fmt.Sprintf("%d", g.ID),
			g.Name,
			fmt.Sprintf("%d", g.HostID),
			fmt.Sprintf("%d", g.MaxPlayers),
		})
	}

	tw.Render()
	fmt.Println()
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <session-id>")
	}

	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid session id: %s", args[0])
	}

	sess, ok := c.server.Session(id)
	if !ok {
		return fmt.Errorf("session %d not found", id)
	}

	sess.Close()
	log.Info().Uint64("session", id).Msg("session kicked via CLI")
	fmt.Printf("Session %d closed\n", id)
	return nil
}

func (c *CLI) cmdSetConfig(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}

	key := args[0]
	value := strings.Join(args[1:], " ")

	previous := c.cfg.GetString(key)
	c.cfg.Set(key, value)
	if err := c.cfg.Validate(); err != nil {
		c.cfg.Set(key, previous)
		return err
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	c.eventBus.Emit(ctx, events.Event{
		Type:    events.EventConfigChanged,
		Source:  "cli",
		Payload: events.ConfigChangedPayload{Key: key, Value: value},
	})

	fmt.Printf("Config updated: %s = %s\n", key, value)
	return nil
}

func (c *CLI) cmdLogLevel(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: loglevel <trace|debug|info|warn|error>")
	}

	level, err := zerolog.ParseLevel(strings.ToLower(args[0]))
	if err != nil {
		return fmt.Errorf("invalid log level: %s", args[0])
	}

	zerolog.SetGlobalLevel(level)
	fmt.Printf("Log level set to %s\n", level)
	return nil
}
