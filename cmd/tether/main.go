package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tetherhq/tether-go/internal/config"
	"github.com/tetherhq/tether-go/internal/engine"
	"github.com/tetherhq/tether-go/internal/rest"
	"github.com/tetherhq/tether-go/internal/socket"
	"github.com/tetherhq/tether-go/internal/storage"
	"github.com/tetherhq/tether-go/pkg/logger"
	"github.com/tetherhq/tether-go/pkg/types"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	role, args, err := parseFlags(cfg, os.Args[1:])
	if err != nil {
		return err
	}
	if role == "" {
		// --help already printed usage.
		return nil
	}

	if level, err := logger.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Debug {
		logger.SetLevel(logger.LevelDebug)
		log.Printf("Config: ServerURL=%s, SocketURL=%s, TetherHome=%s", cfg.ServerURL, cfg.SocketURL, cfg.TetherHome)
	}

	// Subcommands.
	if len(args) > 0 {
		switch args[0] {
		case "login":
			if len(args) < 2 {
				return fmt.Errorf("usage: tether login <access-token>")
			}
			if err := storage.SaveAccessToken(cfg.TetherHome, args[1]); err != nil {
				return fmt.Errorf("failed to save access token: %w", err)
			}
			if sub, ok := storage.TokenSubject(args[1]); ok {
				fmt.Printf("Logged in as %s\n", sub)
			} else {
				fmt.Println("Logged in")
			}
			return nil
		case "logout":
			if err := storage.ClearAccessToken(cfg.TetherHome); err != nil {
				return fmt.Errorf("failed to clear access token: %w", err)
			}
			fmt.Println("Logged out")
			return nil
		case "help", "--help", "-h":
			printUsage()
			return nil
		case "version", "--version", "-v":
			fmt.Println("tether-go v1.0.0")
			return nil
		default:
			return fmt.Errorf("unknown command %q (try 'tether help')", args[0])
		}
	}

	switch role {
	case types.RoleAgent:
		return runAgent(cfg)
	case types.RoleVisitor:
		return runVisitor(cfg)
	default:
		return fmt.Errorf("invalid --role %q (expected agent or visitor)", role)
	}
}

func runAgent(cfg *config.Config) error {
	token, ok, err := storage.LoadAccessToken(cfg.TetherHome)
	if err != nil {
		return fmt.Errorf("failed to read access token: %w", err)
	}
	if !ok {
		return fmt.Errorf("no access token found; run 'tether login <access-token>' first")
	}
	if storage.TokenExpiresWithin(token, time.Minute) {
		return fmt.Errorf("access token expired; run 'tether login <access-token>' again")
	}

	api := rest.New(cfg.ServerURL, token)
	defer api.Close()

	eng := engine.New(engine.Config{
		Role:        types.RoleAgent,
		Credential:  token,
		SocketURL:   cfg.SocketURL,
		Rest:        api,
		Credentials: tokenStore{home: cfg.TetherHome},
		Listener:    &printer{role: types.RoleAgent},
	})
	return runEngine(eng)
}

func runVisitor(cfg *config.Config) error {
	visitorID, err := storage.GetOrCreateVisitorID(cfg.TetherHome)
	if err != nil {
		return fmt.Errorf("failed to set up visitor identity: %w", err)
	}
	log.Printf("Visitor id: %s", visitorID)

	eng := engine.New(engine.Config{
		Role:       types.RoleVisitor,
		Credential: visitorID,
		SocketURL:  cfg.SocketURL,
		Listener:   &printer{role: types.RoleVisitor},
	})
	return runEngine(eng)
}

// runEngine starts the engine and drives it from stdin until EOF or a
// signal. Plain lines send a message; /-prefixed lines are commands.
func runEngine(eng *engine.Engine) error {
	eng.Start()
	defer eng.Stop()

	log.Println("Connected stream starting. Type /help for commands, Ctrl+D to exit.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-sigCh:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handleLine(eng, line); done {
				return nil
			}
		}
	}
}

func handleLine(eng *engine.Engine, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		eng.SendMessage(line, false)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/focus":
		eng.FocusConversation(arg)
	case "/note":
		eng.SendMessage(arg, true)
	case "/draft":
		eng.Keystroke(arg)
	case "/blur":
		eng.Blur()
	case "/logout":
		eng.Logout()
		return true
	case "/quit":
		return true
	case "/help":
		fmt.Println(`/focus <conversation-id>  switch the focused conversation
/note <text>              send an internal note (agent only)
/draft <text>             report a typing keystroke
/blur                     report input blur
/logout                   clear the credential and exit
/quit                     exit`)
	default:
		fmt.Printf("unknown command %s (try /help)\n", cmd)
	}
	return false
}

// printer renders engine output to the terminal.
type printer struct {
	role types.Role
}

func (p *printer) OnConnectionState(state socket.State) {
	log.Printf("connection: %s", state)
}

func (p *printer) OnTimeline(conversationID string, msgs []types.Message) {
	fmt.Printf("--- %s (%d messages) ---\n", conversationID, len(msgs))
	for _, m := range msgs {
		marker := " "
		if m.Pending {
			marker = "~"
		}
		label := string(m.Sender)
		if m.Kind == types.KindInternalNote {
			label += " (note)"
		}
		fmt.Printf("%s [%s] %s: %s\n", marker, m.CreatedAt, label, m.Text)
	}
}

func (p *printer) OnRoster(entries []types.SessionRosterEntry) {
	fmt.Printf("--- sessions (%d) ---\n", len(entries))
	for _, e := range entries {
		fmt.Printf("  %s  %-8s  %s\n", e.ConversationID, e.Status, e.LastMessagePreview)
	}
}

func (p *printer) OnRemoteTyping(conversationID string, state types.TypingState) {
	if state.Active {
		fmt.Printf("* %s: typing (%s)\n", conversationID, state.Draft)
		return
	}
	fmt.Printf("* %s: stopped typing\n", conversationID)
}

func (p *printer) OnAuthError(reason string) {
	log.Printf("authentication failed: %s", reason)
}

func (p *printer) OnSendFailed(conversationID, tempID string, err error) {
	log.Printf("send in %s failed: %v", conversationID, err)
}

// tokenStore wipes the stored agent token on a fatal auth fault.
type tokenStore struct {
	home string
}

func (s tokenStore) Clear() error {
	return storage.ClearAccessToken(s.home)
}

func parseFlags(cfg *config.Config, args []string) (types.Role, []string, error) {
	fs := flag.NewFlagSet("tether", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	role := fs.String("role", "visitor", "Client role (agent|visitor)")
	serverURL := fs.String("server-url", "", "REST API base URL")
	socketURL := fs.String("socket-url", "", "Realtime stream URL")
	logLevel := fs.String("log-level", "", "Log level (trace|debug|info|warn|error)")
	showHelp := fs.Bool("help", false, "Show help")

	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}

	if *showHelp {
		printUsage()
		return "", nil, nil
	}

	if *serverURL != "" {
		cfg.ServerURL = strings.TrimRight(*serverURL, "/")
	}
	if *socketURL != "" {
		cfg.SocketURL = *socketURL
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	switch *role {
	case "agent":
		return types.RoleAgent, fs.Args(), nil
	case "visitor":
		return types.RoleVisitor, fs.Args(), nil
	default:
		return "", nil, fmt.Errorf("invalid --role %q (expected agent or visitor)", *role)
	}
}

func printUsage() {
	fmt.Println(`tether - Tether realtime conversation client

Usage:
  tether                      Start the visitor widget client
  tether --role agent         Start the agent workspace client
  tether login <token>        Store the agent access token
  tether logout               Clear the stored access token
  tether help                 Show this help message
  tether version              Show version information

Environment Variables:
  TETHER_SERVER_URL  REST API base URL (default: https://api.tether.chat)
  TETHER_SOCKET_URL  Realtime stream URL (default: derived from server URL)
  TETHER_HOME_DIR    Config directory (default: ~/.tether)
  TETHER_LOG_LEVEL   Log level (trace|debug|info|warn|error)
  DEBUG              Enable debug logging (true/1; TETHER_DEBUG also works)

Flags:
  --role              Client role (agent|visitor)
  --server-url        REST API base URL
  --socket-url        Realtime stream URL
  --log-level         Log level

Interactive commands:
  <text>                    send a message in the focused conversation
  /focus <conversation-id>  switch the focused conversation
  /note <text>              send an internal note (agent only)
  /draft <text>             report a typing keystroke
  /blur                     report input blur
  /logout                   clear the credential and exit
  /quit                     exit

Examples:
  # Talk to a local server as the visitor widget
  TETHER_SERVER_URL=http://localhost:3005 tether

  # Agent workspace against production
  tether login eyJhbGciOi...
  tether --role agent`)
}
