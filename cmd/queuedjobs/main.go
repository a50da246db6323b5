package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/queuedjobs/internal/activation"
	"github.com/mattjoyce/queuedjobs/internal/api"
	"github.com/mattjoyce/queuedjobs/internal/auth"
	"github.com/mattjoyce/queuedjobs/internal/config"
	"github.com/mattjoyce/queuedjobs/internal/dispatch"
	"github.com/mattjoyce/queuedjobs/internal/events"
	"github.com/mattjoyce/queuedjobs/internal/hooks"
	"github.com/mattjoyce/queuedjobs/internal/jobtype"
	"github.com/mattjoyce/queuedjobs/internal/jobtype/exec"
	"github.com/mattjoyce/queuedjobs/internal/lock"
	"github.com/mattjoyce/queuedjobs/internal/log"
	"github.com/mattjoyce/queuedjobs/internal/queue"
	"github.com/mattjoyce/queuedjobs/internal/scheduler"
	"github.com/mattjoyce/queuedjobs/internal/service"
	"github.com/mattjoyce/queuedjobs/internal/tui/watch"
	"github.com/mattjoyce/queuedjobs/internal/webhook"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const envConfig = "QUEUEDJOBS_CONFIG"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "job":
		return runJobNoun(args)

	// root aliases
	case "start":
		return runStart(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: queuedjobs version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}

	fmt.Printf("queuedjobs %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `queuedjobs - durable job queue with a periodic dispatcher

Usage:
  queuedjobs <noun> <action> [flags]

System Commands:
  system start      Run scheduler, dispatcher and API in the foreground
  system watch      Real-time queue monitoring TUI

Config Commands:
  config check      Validate syntax, policy and integrity
  config lock       Write .checksums integrity manifests
  config show       Print the resolved configuration

Job Commands:
  job submit <type>     Submit a job (optionally activating it)
  job activate <id>     Queue a new or paused job
  job status <id>       Show a job descriptor
  job pause <id>        Pause a queued job
  job resume <id>       Requeue a paused job to run now
  job list              List jobs

General:
  version           Show version information
  help              Show this help message

The config path defaults to $QUEUEDJOBS_CONFIG, then the current directory.
Use 'queuedjobs <noun> help' for resource-specific flags.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// --- SYSTEM ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func printSystemNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: queuedjobs system <action>")
	fmt.Fprintln(w, "Actions: start, watch")
}

func printSystemStartHelp() {
	fmt.Println("Usage: queuedjobs system start [--config PATH]")
	fmt.Println("Run the scheduler, dispatcher and (when enabled) the HTTP API in the foreground.")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: queuedjobs system watch [--api-url URL] [--api-key KEY]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    API URL (default: http://localhost:8080)")
	fmt.Println("  --api-key KEY    API bearer token (or QUEUEDJOBS_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Move through jobs")
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "API URL")
	apiKey := fs.String("api-key", os.Getenv("QUEUEDJOBS_API_KEY"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or QUEUEDJOBS_API_KEY env var.")
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// app is everything a process needs to serve the queue.
type app struct {
	cfg        *config.Config
	store      queue.Store
	hub        *events.Hub
	hooks      *hooks.Registry
	registry   *jobtype.Registry
	dispatcher *dispatch.Dispatcher
	service    *service.Service
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := queue.Open(ctx, cfg.State)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.State.Driver, err)
	}

	registry := jobtype.NewRegistry()
	if err := exec.RegisterAll(registry, cfg.JobTypes); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("register job types: %w", err)
	}

	hub := events.NewHub(256)
	hookRegistry := hooks.New(log.WithComponent("hooks"))
	hooks.PublishTo(hookRegistry, hub)

	act := activation.New(store, log.WithComponent("activation"), activation.WithHooks(hookRegistry))
	disp := dispatch.New(store, registry, cfg.Dispatch,
		dispatch.WithHooks(hookRegistry),
		dispatch.WithHub(hub),
		dispatch.WithLogger(log.WithComponent("dispatch")),
	)
	svc := service.New(store, registry, act,
		service.WithHooks(hookRegistry),
		service.WithHub(hub),
		service.WithMaxAttempts(cfg.Dispatch.MaxAttempts),
	)

	return &app{
		cfg:        cfg,
		store:      store,
		hub:        hub,
		hooks:      hookRegistry,
		registry:   registry,
		dispatcher: disp,
		service:    svc,
	}, nil
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, resolved, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("queuedjobs starting", "version", version, "config", resolved, "driver", cfg.State.Driver)

	lockPath := lock.PathFor(cfg.State.Driver, cfg.State.Path, configDirOf(resolved))
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			if pid, perr := lock.ReadPID(lockPath); perr == nil {
				logger.Error("another instance is running", "path", lockPath, "pid", pid)
				return 1
			}
		}
		logger.Error("failed to acquire PID lock", "path", lockPath, "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", lockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := buildApp(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialise", "error", err)
		return 1
	}
	defer func() { _ = rt.store.Close() }()
	logger.Info("job types registered", "count", len(rt.registry.Types()))

	var pruner scheduler.Pruner
	if cfg.Service.ArchiveRetention > 0 {
		pruner = rt.store
	}
	sched := scheduler.New(cfg.Service, rt.dispatcher, pruner, rt.hub, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Error("scheduler failed to start", "error", err)
		return 1
	}
	defer sched.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 2)
	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Name: t.Name, Token: t.Token, Scopes: t.Scopes})
		}
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}, rt.service, rt.hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Webhooks != nil && len(cfg.Webhooks.Endpoints) > 0 {
		whConfig, err := webhook.FromConfig(cfg.Webhooks)
		if err != nil {
			logger.Error("failed to configure webhooks", "error", err)
			return 1
		}
		whServer := webhook.New(whConfig, rt.service, log.WithComponent("webhook"))
		go func() {
			if err := whServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
		logger.Info("webhook server enabled", "listen", whConfig.Listen, "endpoints", len(whConfig.Endpoints))
	}

	logger.Info("queuedjobs running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	cancel()
	logger.Info("queuedjobs stopped")
	return 0
}

// --- CONFIG ---

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: queuedjobs config check [--config PATH] [--json] [--strict]")
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: queuedjobs config lock [--config PATH] [-v|--verbose] [--dry-run]")
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: queuedjobs config show [--config PATH] [--json]")
			return 0
		}
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: queuedjobs config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show")
}

// resolveConfigPath picks the explicit flag, then $QUEUEDJOBS_CONFIG, then ".".
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(envConfig); env != "" {
		return env
	}
	return "."
}

func loadConfigForTool(flagValue string) (*config.Config, string, error) {
	path := resolveConfigPath(flagValue)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// configDirOf returns path itself for a directory, else its parent.
func configDirOf(path string) string {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return path
	}
	return filepath.Dir(path)
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}
