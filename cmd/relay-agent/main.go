// ABOUTME: Entry point for the relay-agent delivery daemon
// ABOUTME: Registers with the gateway and drains the message queue via an executor

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/relaykit/relay-gateway/internal/agent"
)

const banner = `
    ╭────────────────────────────────╮
    │                                │
    │   ┏━┓┏━╸╻  ┏━┓╻ ╻              │
    │   ┣┳┛┣╸ ┃  ┣━┫┗┳┛              │
    │   ╹┗╸┗━╸┗━╸╹ ╹ ╹  agent        │
    │                                │
    ╰────────────────────────────────╯
`

// getConfigPath returns the path to the agent config file.
// Priority: RELAY_AGENT_CONFIG env var > XDG_CONFIG_HOME/relay/agent.toml > ~/.config/relay/agent.toml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_AGENT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agent.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relay", "agent.toml")
}

// getCredentialsPath returns the path where registration credentials are
// persisted, next to the config file.
func getCredentialsPath() string {
	return filepath.Join(filepath.Dir(getConfigPath()), "agent-credentials.toml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relay-agent <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  register --code CODE --name NAME --destination DEST [--role ROLE]")
		fmt.Println("                         Register this agent with the gateway")
		fmt.Println("  run                    Start the delivery loop")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "register":
		err = runRegister(ctx)
	case "run":
		err = runAgent(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runRegister exchanges a one-time registration code for a sender
// identity and persists the credentials for the run command.
func runRegister(ctx context.Context) error {
	var code, name, destination string
	role := "base"
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--code":
			if i+1 >= len(args) {
				return fmt.Errorf("--code requires a value")
			}
			code = args[i+1]
			i++
		case strings.HasPrefix(arg, "--code="):
			code = strings.TrimPrefix(arg, "--code=")
		case arg == "--name":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			name = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			name = strings.TrimPrefix(arg, "--name=")
		case arg == "--destination":
			if i+1 >= len(args) {
				return fmt.Errorf("--destination requires a value")
			}
			destination = args[i+1]
			i++
		case strings.HasPrefix(arg, "--destination="):
			destination = strings.TrimPrefix(arg, "--destination=")
		case arg == "--role":
			if i+1 >= len(args) {
				return fmt.Errorf("--role requires a value")
			}
			role = args[i+1]
			i++
		case strings.HasPrefix(arg, "--role="):
			role = strings.TrimPrefix(arg, "--role=")
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if code == "" {
		return fmt.Errorf("--code is required")
	}
	if name == "" {
		return fmt.Errorf("--name is required")
	}
	if destination == "" {
		return fmt.Errorf("--destination is required")
	}

	configPath := getConfigPath()
	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	client := agent.NewClient(cfg.Gateway.URL)
	creds, err := client.Register(ctx, name, destination, role, code)
	if err != nil {
		return fmt.Errorf("registering with gateway: %w", err)
	}

	credsPath := getCredentialsPath()
	if err := SaveCredentials(credsPath, &Credentials{
		SenderID: creds.SenderID,
		Secret:   creds.Secret,
	}); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Println("  Registration complete")
	fmt.Printf("  Sender ID:   %s\n", creds.SenderID)
	fmt.Printf("  Credentials: %s\n", credsPath)
	fmt.Println()
	fmt.Println("  Start delivering with:")
	fmt.Println("    relay-agent run")

	return nil
}

// runAgent starts the poll/deliver loop with the saved credentials.
func runAgent(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()
	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	credsPath := getCredentialsPath()
	creds, err := LoadCredentials(credsPath)
	if err != nil {
		return fmt.Errorf("loading credentials (run 'relay-agent register' first): %w", err)
	}

	logger := setupLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	// Print startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:  %s\n", cfg.Gateway.URL)
	green.Print("    ▶ ")
	fmt.Printf("Sender:   %s\n", creds.SenderID)
	green.Print("    ▶ ")
	fmt.Printf("Command:  %s\n", cfg.Delivery.Command)
	fmt.Println()

	client := agent.NewClient(cfg.Gateway.URL)
	client.SetCredentials(agent.Credentials{
		SenderID: creds.SenderID,
		Secret:   creds.Secret,
	})

	executor := agent.NewCommandExecutor(cfg.Delivery.Command, cfg.Delivery.Args, cfg.Delivery.Timeout)

	runner := agent.NewRunner(client, executor, agent.RunnerOptions{
		PollInterval:      cfg.Poll.Interval,
		HeartbeatInterval: cfg.Poll.HeartbeatInterval,
		MaxBatch:          cfg.Poll.MaxBatch,
	})

	logger.Info("starting relay-agent", "gateway", cfg.Gateway.URL, "sender_id", creds.SenderID)
	return runner.Run(ctx)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
