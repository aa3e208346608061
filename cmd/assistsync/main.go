package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/schaermu/assistsync/internal/agents"
	"github.com/schaermu/assistsync/internal/config"
	"github.com/schaermu/assistsync/internal/git"
	"github.com/schaermu/assistsync/internal/snapshot"
	"github.com/schaermu/assistsync/internal/sync"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	envFile   string
	logLevel  string
	logFormat string

	// Ask command flags
	askInterval time.Duration
	askTimeout  time.Duration

	// Create command flags
	createName         string
	createModel        string
	createInstructions string
	createDescription  string
	createTemperature  float64
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "assistsync",
	Short: "Snapshot remote assistants into a Git repository",
	Long: `assistsync fetches the configuration of every assistant of an OpenAI
account, writes it to a config.json and prompt.md per assistant and
commits and pushes the result to a Git repository.

Running it without a subcommand performs one sync pass.`,
	SilenceUsage: true,
	RunE:         runSync,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform one sync pass from the assistants API to the repository",
	Long: `Sync lists all assistants, fetches each one in listing order, writes its
snapshot and publishes the repository to the configured branch.

A push rejected because the remote moved is recovered with a single
pull --rebase and push. Any other failure aborts the pass.`,
	RunE: runSync,
}

var askCmd = &cobra.Command{
	Use:   "ask <assistant-id> <message>",
	Short: "Send a message to an assistant and print the conversation",
	Args:  cobra.ExactArgs(2),
	RunE:  runAsk,
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an assistant and print its id",
	Long: `Create registers a new assistant with the API. Unset flags fall back to
the name Default_Assistant, the model gpt-4o-mini, the instructions
"You are a helpful assistant" and temperature 0.`,
	Args: cobra.NoArgs,
	RunE: runCreate,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <assistant-id>",
	Short: "Delete an assistant",
	Long: `Delete removes the assistant from the API. Its snapshot stays in the
repository until it is cleaned.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove every local snapshot directory",
	Long: `Clean deletes all assistant directories below the snapshot directory.
Nothing is committed; the next sync pass recreates the snapshots.`,
	RunE: runClean,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("assistsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/assistsync/config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Ask command flags
	askCmd.Flags().DurationVar(&askInterval, "interval", agents.DefaultPollOptions.Interval, "wait between run status checks")
	askCmd.Flags().DurationVar(&askTimeout, "timeout", agents.DefaultPollOptions.Limit, "give up waiting for the run after this long")

	// Create command flags
	createCmd.Flags().StringVar(&createName, "name", agents.DefaultAssistantName, "assistant name")
	createCmd.Flags().StringVar(&createModel, "model", agents.DefaultAssistantModel, "model the assistant uses")
	createCmd.Flags().StringVar(&createInstructions, "instructions", agents.DefaultAssistantInstructions, "system instructions")
	createCmd.Flags().StringVar(&createDescription, "description", "", "assistant description")
	createCmd.Flags().Float64Var(&createTemperature, "temperature", 0, "sampling temperature")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closeLog, err := bootstrap()
	if err != nil {
		return err
	}
	defer closeLog()

	// Create dependencies
	client := agents.NewClient(cfg.API.BaseURL, cfg.API.Key, nil, logger)
	store := snapshot.NewStore(cfg.Paths.SnapshotDir, logger)
	repo := newRepository(cfg, logger)

	// Create sync engine
	engine := sync.NewEngine(cfg, client, store, repo, logger)

	// Run sync
	logger.Info("starting sync operation")
	if err := engine.Run(ctx); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closeLog, err := bootstrap()
	if err != nil {
		return err
	}
	defer closeLog()

	client := agents.NewClient(cfg.API.BaseURL, cfg.API.Key, nil, logger)
	messages, err := client.Ask(ctx, args[0], args[1], agents.PollOptions{
		Interval: askInterval,
		Limit:    askTimeout,
	})
	if err != nil {
		logger.Error("ask failed", "assistant", args[0], "error", err)
		return err
	}

	printMessages(cmd.OutOrStdout(), messages)
	return nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closeLog, err := bootstrap()
	if err != nil {
		return err
	}
	defer closeLog()

	client := agents.NewClient(cfg.API.BaseURL, cfg.API.Key, nil, logger)
	a, err := client.CreateAssistant(ctx, createParams())
	if err != nil {
		logger.Error("create failed", "error", err)
		return err
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), a.ID)
	return nil
}

// createParams collects the create command flags
func createParams() agents.CreateParams {
	temperature := createTemperature
	return agents.CreateParams{
		Name:         createName,
		Model:        createModel,
		Instructions: createInstructions,
		Description:  createDescription,
		Temperature:  &temperature,
	}
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closeLog, err := bootstrap()
	if err != nil {
		return err
	}
	defer closeLog()

	client := agents.NewClient(cfg.API.BaseURL, cfg.API.Key, nil, logger)
	if err := client.DeleteAssistant(ctx, args[0]); err != nil {
		logger.Error("delete failed", "assistant", args[0], "error", err)
		return err
	}
	return nil
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := bootstrap()
	if err != nil {
		return err
	}
	defer closeLog()

	store := snapshot.NewStore(cfg.Paths.SnapshotDir, logger)
	removed, err := store.Clear()
	if err != nil {
		logger.Error("clean failed", "error", err)
		return err
	}

	logger.Info("snapshots removed", "count", removed, "dir", store.Root())
	return nil
}

// bootstrap loads the dotenv file and the configuration, then returns a
// logger that also appends to the history log
func bootstrap() (*config.Config, *slog.Logger, func(), error) {
	logger := setupLogger(os.Stdout)

	if err := config.LoadEnvFile(envFile); err != nil {
		logger.Error("failed to load env file", "path", envFile, "error", err)
		return nil, nil, nil, err
	}

	cfg, err := loadConfig(logger)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logFile, err := openHistoryLog(cfg.LogFilePath())
	if err != nil {
		// Stdout logging still works
		logger.Warn("history log unavailable", "path", cfg.LogFilePath(), "error", err)
		return cfg, logger, func() {}, nil
	}

	logger = setupLogger(io.MultiWriter(os.Stdout, logFile))
	return cfg, logger, func() { _ = logFile.Close() }, nil
}

func setupLogger(w io.Writer) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// openHistoryLog opens the log file for appending, creating its directory
func openHistoryLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path; without one the environment is enough
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			candidate := filepath.Join(home, ".config", "assistsync", "config.yaml")
			if _, err := os.Stat(candidate); err == nil {
				configPath = candidate
			}
		}
	}

	if configPath != "" {
		logger.Info("loading configuration", "path", configPath)
	} else {
		logger.Info("loading configuration from environment")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", git.Redact(cfg.Repo.URL, cfg.Secrets()...),
		"branch", cfg.Repo.Branch,
		"repo_dir", cfg.Paths.RepoDir,
		"snapshot_dir", cfg.Paths.SnapshotDir,
		"state_dir", cfg.Paths.StateDir)

	return cfg, nil
}

func newRepository(cfg *config.Config, logger *slog.Logger) *git.Repository {
	return git.NewRepository(git.Options{
		Dir:         cfg.Paths.RepoDir,
		RemoteName:  cfg.Repo.Remote,
		RemoteURL:   cfg.RemoteURL(),
		Branch:      cfg.Repo.Branch,
		AuthorName:  cfg.Repo.AuthorName,
		AuthorEmail: cfg.Repo.AuthorEmail,
		Timeout:     cfg.Sync.CommandTimeout,
		Secrets:     cfg.Secrets(),
		Exclude:     []string{snapshot.TempPattern},
	}, logger)
}

func printMessages(w io.Writer, messages []agents.Message) {
	for _, m := range messages {
		_, _ = fmt.Fprintf(w, "%s: %s\n", m.Role, m.Content)
	}
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
