package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors returned by Repository operations
var (
	// ErrNotARepository is returned when a command needs a repository
	// and the directory has none.
	ErrNotARepository = errors.New("not a git repository")
	// ErrPublishConflict is returned when a push was rejected because the
	// remote diverged and the single rebase-and-retry did not recover it.
	ErrPublishConflict = errors.New("publish conflict")
	// ErrPublishFailed is returned for any other publish failure.
	ErrPublishFailed = errors.New("publish failed")
)

// PublishResult describes what Publish did
type PublishResult int

const (
	// NoOp means the path had no changes; nothing was committed or pushed
	NoOp PublishResult = iota
	// Pushed means a commit was created and pushed on the first attempt
	Pushed
	// Rebased means the first push was rejected and the commit was pushed
	// after one pull --rebase
	Rebased
)

func (r PublishResult) String() string {
	switch r {
	case NoOp:
		return "no-op"
	case Pushed:
		return "pushed"
	case Rebased:
		return "rebased"
	default:
		return "unknown"
	}
}

// DefaultTimeout bounds every git invocation
const DefaultTimeout = 30 * time.Second

// Options configures a Repository
type Options struct {
	Dir         string
	RemoteName  string
	RemoteURL   string
	Branch      string
	AuthorName  string
	AuthorEmail string
	Timeout     time.Duration
	// Secrets are redacted from every logged command and returned error
	Secrets []string
	// Exclude patterns are written to .git/info/exclude so matching files
	// are never staged
	Exclude []string
}

// Repository reconciles a local working copy with one remote branch by
// shelling out to the git command
type Repository struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewRepository creates a repository handle. Nothing is touched on disk
// until one of the Ensure methods or Publish is called.
func NewRepository(opts Options, logger *slog.Logger) *Repository {
	if opts.RemoteName == "" {
		opts.RemoteName = "origin"
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Repository{
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Dir returns the working copy path
func (r *Repository) Dir() string {
	return r.opts.Dir
}

// EnsureInitialized runs git init when the directory has no .git marker
// and installs the configured exclude patterns
func (r *Repository) EnsureInitialized(ctx context.Context) error {
	gitDir := filepath.Join(r.opts.Dir, ".git")
	if _, err := os.Stat(gitDir); err == nil {
		r.logger.Debug("repository already initialized", "dir", r.opts.Dir)
		return r.ensureExcludes(ctx)
	}

	r.logger.Info("initializing repository", "dir", r.opts.Dir)
	if err := os.MkdirAll(r.opts.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create repository directory: %w", err)
	}
	if _, err := r.run(ctx, "init"); err != nil {
		return fmt.Errorf("git init failed: %w", err)
	}
	return r.ensureExcludes(ctx)
}

// ensureExcludes appends every missing exclude pattern to info/exclude
func (r *Repository) ensureExcludes(ctx context.Context) error {
	if len(r.opts.Exclude) == 0 {
		return nil
	}

	out, err := r.run(ctx, "rev-parse", "--git-path", "info/exclude")
	if err != nil {
		return classifyRepoError("git rev-parse --git-path failed", err)
	}
	path := strings.TrimSpace(out)
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.opts.Dir, path)
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read exclude file: %w", err)
	}
	present := make(map[string]bool)
	for _, line := range strings.Split(string(existing), "\n") {
		present[strings.TrimSpace(line)] = true
	}

	var missing []string
	for _, pattern := range r.opts.Exclude {
		if !present[pattern] {
			missing = append(missing, pattern)
			present[pattern] = true
		}
	}
	if len(missing) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create exclude directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open exclude file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var b strings.Builder
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		b.WriteString("\n")
	}
	for _, pattern := range missing {
		b.WriteString(pattern + "\n")
	}
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("failed to write exclude file: %w", err)
	}
	r.logger.Debug("exclude patterns added", "patterns", missing)
	return nil
}

// EnsureRemote adds the configured remote when it is absent. An existing
// remote with the same name is left unchanged.
func (r *Repository) EnsureRemote(ctx context.Context) error {
	out, err := r.run(ctx, "remote")
	if err != nil {
		return classifyRepoError("git remote failed", err)
	}

	for _, name := range strings.Fields(out) {
		if name == r.opts.RemoteName {
			r.logger.Debug("remote already configured", "remote", r.opts.RemoteName)
			return nil
		}
	}

	if _, err := r.run(ctx, "remote", "add", r.opts.RemoteName, r.opts.RemoteURL); err != nil {
		return classifyRepoError("git remote add failed", err)
	}
	r.logger.Info("remote added",
		"remote", r.opts.RemoteName,
		"url", Redact(r.opts.RemoteURL, r.opts.Secrets...))
	return nil
}

// EnsureBranch makes the target branch the current branch
func (r *Repository) EnsureBranch(ctx context.Context) error {
	// An unborn HEAD has no ref to rename, so point HEAD at the target
	if _, err := r.run(ctx, "rev-parse", "--verify", "--quiet", "HEAD"); err != nil {
		if _, err := r.run(ctx, "symbolic-ref", "HEAD", "refs/heads/"+r.opts.Branch); err != nil {
			return classifyRepoError("git symbolic-ref failed", err)
		}
		return nil
	}

	if _, err := r.run(ctx, "branch", "-M", r.opts.Branch); err != nil {
		return classifyRepoError("git branch -M failed", err)
	}
	return nil
}

// Publish commits and pushes path when it has uncommitted changes. With
// a clean path, commits left unpushed by an earlier failed publish are
// pushed instead. A rejected push caused by remote divergence is
// recovered exactly once with pull --rebase followed by a second push.
func (r *Repository) Publish(ctx context.Context, path, message string) (PublishResult, error) {
	// Check for changes scoped to path
	status, err := r.run(ctx, "status", "--porcelain", "--", path)
	if err != nil {
		return NoOp, fmt.Errorf("%w: git status: %w", ErrPublishFailed, err)
	}

	if strings.TrimSpace(status) == "" {
		ahead, err := r.unpushed(ctx)
		if err != nil {
			return NoOp, fmt.Errorf("%w: %w", ErrPublishFailed, err)
		}
		if ahead == 0 {
			r.logger.Info("no changes to publish", "path", path)
			return NoOp, nil
		}
		r.logger.Warn("pushing commits left by an earlier pass", "count", ahead, "branch", r.opts.Branch)
	} else if err := r.commit(ctx, path, message); err != nil {
		return NoOp, err
	}

	// Push
	_, pushErr := r.run(ctx, "push", "-u", r.opts.RemoteName, r.opts.Branch)
	if pushErr == nil {
		r.logger.Info("pushed", "remote", r.opts.RemoteName, "branch", r.opts.Branch)
		return Pushed, nil
	}
	if !isDiverged(pushErr) {
		return NoOp, fmt.Errorf("%w: git push: %w", ErrPublishFailed, pushErr)
	}

	// One recovery attempt, never more
	r.logger.Warn("push rejected, rebasing onto remote", "branch", r.opts.Branch)
	if _, err := r.run(ctx, "pull", "--rebase", r.opts.RemoteName, r.opts.Branch); err != nil {
		// Leave the working copy clean for the next pass
		_, _ = r.run(ctx, "rebase", "--abort")
		return NoOp, fmt.Errorf("%w: git pull --rebase: %w", ErrPublishConflict, err)
	}
	if _, err := r.run(ctx, "push", r.opts.RemoteName, r.opts.Branch); err != nil {
		return NoOp, fmt.Errorf("%w: git push after rebase: %w", ErrPublishConflict, err)
	}

	r.logger.Info("pushed after rebase", "remote", r.opts.RemoteName, "branch", r.opts.Branch)
	return Rebased, nil
}

// commit stages path and records one commit stamped with the local time
func (r *Repository) commit(ctx context.Context, path, message string) error {
	if _, err := r.run(ctx, "add", "--", path); err != nil {
		return fmt.Errorf("%w: git add: %w", ErrPublishFailed, err)
	}
	commitMessage := fmt.Sprintf("%s - %s.", message, r.now().Format("2006-01-02 15:04:05"))
	if _, err := r.run(ctx, "commit", "-m", commitMessage); err != nil {
		return fmt.Errorf("%w: git commit: %w", ErrPublishFailed, err)
	}
	r.logger.Info("commit created", "message", commitMessage)
	return nil
}

// unpushed counts the commits on HEAD that the remote-tracking branch
// lacks. A branch that was never pushed counts every commit.
func (r *Repository) unpushed(ctx context.Context) (int, error) {
	// Unborn HEAD
	if _, err := r.run(ctx, "rev-parse", "--verify", "--quiet", "HEAD"); err != nil {
		return 0, nil
	}

	rev := "HEAD"
	tracking := "refs/remotes/" + r.opts.RemoteName + "/" + r.opts.Branch
	if _, err := r.run(ctx, "rev-parse", "--verify", "--quiet", tracking); err == nil {
		rev = tracking + "..HEAD"
	}

	out, err := r.run(ctx, "rev-list", "--count", rev)
	if err != nil {
		return 0, fmt.Errorf("git rev-list: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse commit count %q: %w", out, err)
	}
	return n, nil
}

// isDiverged reports whether a push failure means the remote branch has
// commits the local branch lacks
func isDiverged(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	out := strings.ToLower(cmdErr.Output)
	return strings.Contains(out, "fetch first") || strings.Contains(out, "rejected")
}

// classifyRepoError maps git's "not a git repository" output onto
// ErrNotARepository
func classifyRepoError(msg string, err error) error {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && strings.Contains(strings.ToLower(cmdErr.Output), "not a git repository") {
		return fmt.Errorf("%s: %w: %w", msg, ErrNotARepository, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// CommandError describes a git invocation that exited non-zero. Args and
// Output are already redacted.
type CommandError struct {
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v: %s", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Output))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// run executes git with args inside the working copy and returns the
// combined output. The call is bounded by the configured timeout.
func (r *Repository) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	full := insertGitFlags([]string{"git"}, r.identityFlags()...)
	full = append(full, args...)

	redacted := make([]string, len(full))
	for i, a := range full {
		redacted[i] = Redact(a, r.opts.Secrets...)
	}
	r.logger.Debug("running git", "cmd", strings.Join(redacted, " "))

	cmd := exec.CommandContext(ctx, full[0], full[1:]...)
	cmd.Dir = r.opts.Dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")

	output, err := cmd.CombinedOutput()
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			err = fmt.Errorf("%w (timeout %s)", ctx.Err(), r.opts.Timeout)
		}
		return "", &CommandError{
			Args:     redacted[1:],
			ExitCode: exitCode,
			Output:   Redact(string(output), r.opts.Secrets...),
			Err:      err,
		}
	}
	return string(output), nil
}

// identityFlags returns -c overrides for the commit identity so commits
// and rebases do not depend on the host's global git config
func (r *Repository) identityFlags() []string {
	var flags []string
	if r.opts.AuthorName != "" {
		flags = append(flags, "-c", "user.name="+r.opts.AuthorName)
	}
	if r.opts.AuthorEmail != "" {
		flags = append(flags, "-c", "user.email="+r.opts.AuthorEmail)
	}
	return flags
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "push", "pull").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}
