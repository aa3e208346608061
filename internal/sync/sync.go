package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/schaermu/assistsync/internal/agents"
	"github.com/schaermu/assistsync/internal/config"
	"github.com/schaermu/assistsync/internal/git"
	"github.com/schaermu/assistsync/internal/snapshot"
)

// Snapshotter persists one assistant's state to disk
type Snapshotter interface {
	Write(id string, a *agents.Assistant) (*snapshot.Result, error)
}

// Publisher reconciles the local repository with its remote branch
type Publisher interface {
	EnsureInitialized(ctx context.Context) error
	EnsureRemote(ctx context.Context) error
	EnsureBranch(ctx context.Context) error
	Publish(ctx context.Context, path, message string) (git.PublishResult, error)
}

// Engine orchestrates the sync process
type Engine struct {
	cfg       *config.Config
	directory agents.Directory
	snapshots Snapshotter
	repo      Publisher
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, directory agents.Directory, snapshots Snapshotter, repo Publisher, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		directory: directory,
		snapshots: snapshots,
		repo:      repo,
		logger:    logger,
		sleep:     pace,
		now:       time.Now,
	}
}

// Run executes one complete pass: every assistant listed at the start is
// fetched, snapshotted and published in listing order. The first error
// aborts the pass.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("starting sync",
		"repo", git.Redact(e.cfg.Repo.URL),
		"branch", e.cfg.Repo.Branch,
		"snapshot_dir", e.cfg.Paths.SnapshotDir)

	// Fix the set of assistants for this pass
	summaries, err := e.directory.ListAssistants(ctx)
	if err != nil {
		return fmt.Errorf("failed to list assistants: %w", err)
	}
	e.logger.Info("assistants discovered", "count", len(summaries))

	// Load previous state
	prevState, err := e.loadState()
	if err != nil {
		e.logger.Warn("failed to load previous state (will treat as fresh sync)", "error", err)
		prevState = &State{Assistants: make(map[string]AssistantRecord)}
	}

	newState := &State{Assistants: make(map[string]AssistantRecord, len(summaries))}
	stats := runStats{}
	for _, s := range summaries {
		record, err := e.syncOne(ctx, s, prevState)
		if err != nil {
			return err
		}
		newState.Assistants[s.ID] = record
		stats.add(record.Result)
	}

	newState.CompletedAt = e.now()
	if err := e.saveState(newState); err != nil {
		e.logger.Warn("failed to save state", "error", err)
	}

	e.logger.Info("sync completed successfully",
		"assistants", len(summaries),
		"published", stats.published,
		"rebased", stats.rebased,
		"unchanged", stats.unchanged)
	return nil
}

// syncOne fetches, snapshots and publishes a single assistant
func (e *Engine) syncOne(ctx context.Context, s agents.Summary, prevState *State) (AssistantRecord, error) {
	log := e.logger.With("assistant", s.ID)
	record := AssistantRecord{Name: s.Name, Model: s.Model}

	// Fetch before touching the filesystem so a vanished assistant leaves
	// no directory behind
	a, err := e.directory.GetAssistant(ctx, s.ID)
	if err != nil {
		return record, fmt.Errorf("failed to fetch assistant %s: %w", s.ID, err)
	}
	log.Info("assistant loaded", "name", s.Name, "model", s.Model, "created_at", s.CreatedAt.Format("2006/01/02-15:04:05"))

	res, err := e.snapshots.Write(s.ID, a)
	if err != nil {
		return record, fmt.Errorf("failed to write snapshot for %s: %w", s.ID, err)
	}
	record.Hash = res.Hash
	if prev, ok := prevState.Assistants[s.ID]; ok && prev.Hash == res.Hash {
		log.Debug("snapshot unchanged since last pass", "dir", res.Dir)
	} else {
		log.Info("snapshot changed", "dir", res.Dir, "hash", res.Hash)
	}

	if err := e.sleep(ctx, e.cfg.Sync.Delay); err != nil {
		return record, err
	}

	// Repeated every iteration so an externally disturbed repository heals
	if err := e.repo.EnsureInitialized(ctx); err != nil {
		return record, fmt.Errorf("failed to initialize repository: %w", err)
	}
	if err := e.repo.EnsureRemote(ctx); err != nil {
		return record, fmt.Errorf("failed to configure remote: %w", err)
	}
	if err := e.repo.EnsureBranch(ctx); err != nil {
		return record, fmt.Errorf("failed to set branch: %w", err)
	}

	result, err := e.repo.Publish(ctx, e.cfg.Paths.RepoDir, e.cfg.Sync.CommitMessage)
	if err != nil {
		return record, fmt.Errorf("failed to publish snapshot for %s: %w", s.ID, err)
	}
	record.Result = result.String()
	log.Info("snapshot published", "result", record.Result)

	if err := e.sleep(ctx, e.cfg.Sync.Delay); err != nil {
		return record, err
	}
	return record, nil
}

type runStats struct {
	published int
	rebased   int
	unchanged int
}

func (s *runStats) add(result string) {
	switch result {
	case git.Pushed.String():
		s.published++
	case git.Rebased.String():
		s.published++
		s.rebased++
	default:
		s.unchanged++
	}
}

// loadState loads the previous state from disk
func (e *Engine) loadState() (*State, error) {
	data, err := os.ReadFile(e.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return &State{Assistants: make(map[string]AssistantRecord)}, nil
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.Assistants == nil {
		state.Assistants = make(map[string]AssistantRecord)
	}

	return &state, nil
}

// saveState persists the state to disk
func (e *Engine) saveState(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(e.cfg.Paths.StateDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(e.statePath(), data, 0644)
}

func (e *Engine) statePath() string {
	return filepath.Join(e.cfg.Paths.StateDir, "state.json")
}

// pace blocks for d, returning early only when ctx is cancelled
func pace(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
