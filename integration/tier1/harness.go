//go:build integration

package tier1

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/schaermu/assistsync/internal/testutil"
)

const (
	testUser       = "octocat"
	testToken      = "github_pat_tier1"
	testAPIKey     = "sk-tier1"
	testRemoteHost = "git.example.test"
	defaultTimeout = 5 * time.Minute
)

// Harness runs the assistsync binary against a fake assistants API and a
// local bare repository standing in for the remote
type Harness struct {
	t         *testing.T
	root      string
	binary    string
	gitConfig string
	API       *FakeAPI

	RemoteDir   string
	RepoDir     string
	StateDir    string
	ConfigPath  string
	SnapshotDir string
}

// NewHarness creates a new test harness with its directories under a
// temp root
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	root := t.TempDir()
	h := &Harness{
		t:          t,
		root:       root,
		binary:     filepath.Join(root, "bin", "assistsync"),
		gitConfig:  filepath.Join(root, "gitconfig"),
		RemoteDir:  filepath.Join(root, "remotes", "acme", "assistants.git"),
		RepoDir:    filepath.Join(root, "work"),
		StateDir:   filepath.Join(root, "state"),
		ConfigPath: filepath.Join(root, "config.yaml"),
	}
	h.SnapshotDir = filepath.Join(h.RepoDir, "assistants")
	h.API = NewFakeAPI(t)
	return h
}

// BuildBinary compiles the CLI into the harness root
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	// Get absolute path to project root by finding go.mod
	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.t.Logf("Building %s", h.binary)
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/assistsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// SetupRemote creates the bare repository and routes the https remote
// URL the binary derives from its config to it
func (h *Harness) SetupRemote(ctx context.Context) error {
	h.t.Helper()
	if err := os.MkdirAll(filepath.Dir(h.RemoteDir), 0755); err != nil {
		return err
	}
	if _, err := h.Git(ctx, "", "init", "--bare", "-b", "main", h.RemoteDir); err != nil {
		return err
	}

	gitconfig := fmt.Sprintf("[url \"file://%s/\"]\n\tinsteadOf = https://%s:%s@%s/\n",
		filepath.Join(h.root, "remotes"), testUser, testToken, testRemoteHost)
	return os.WriteFile(h.gitConfig, []byte(gitconfig), 0644)
}

// WriteConfig writes the YAML config used by Run
func (h *Harness) WriteConfig() error {
	cfg := fmt.Sprintf(`api:
  base_url: %s/v1

repo:
  url: https://%s/acme/assistants.git
  branch: main

paths:
  repo_dir: %s
  state_dir: %s

sync:
  delay: 10ms
  commit_message: "Commit realizado"
  command_timeout: 30s
`, h.API.URL(), testRemoteHost, h.RepoDir, h.StateDir)
	return os.WriteFile(h.ConfigPath, []byte(cfg), 0644)
}

// Run executes the binary with the harness config and environment
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	args = append(args, "--config", h.ConfigPath, "--env-file", "")
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = append(h.gitEnv(),
		"OPENAI_API_KEY="+testAPIKey,
		"GITHUB_TOKEN="+testToken,
		"GITHUB_USER="+testUser,
		"HOME="+h.root,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes the binary and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// Git runs git in dir with a fixed identity and the harness URL rewrite
func (h *Harness) Git(ctx context.Context, dir string, args ...string) (string, error) {
	h.t.Helper()
	full := append([]string{"-c", "user.name=Tier One", "-c", "user.email=tier1@example.com"}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = dir
	cmd.Env = h.gitEnv()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out)), nil
}

// MustGit runs git and fails the test on error
func (h *Harness) MustGit(ctx context.Context, dir string, args ...string) string {
	h.t.Helper()
	out, err := h.Git(ctx, dir, args...)
	if err != nil {
		h.t.Fatal(err)
	}
	return out
}

// RemoteCommitCount returns the number of commits on the remote main branch
func (h *Harness) RemoteCommitCount(ctx context.Context) int {
	h.t.Helper()
	out, err := h.Git(ctx, "", "--git-dir", h.RemoteDir, "rev-list", "--count", "main")
	if err != nil {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(out, "%d", &n); err != nil {
		h.t.Fatalf("parse commit count %q: %v", out, err)
	}
	return n
}

// RemoteFile reads path from the tip of the remote main branch
func (h *Harness) RemoteFile(ctx context.Context, path string) (string, error) {
	h.t.Helper()
	return h.Git(ctx, "", "--git-dir", h.RemoteDir, "show", "main:"+path)
}

// FileExists checks if a regular file exists
func (h *Harness) FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (h *Harness) gitEnv() []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"GIT_CONFIG_GLOBAL=" + h.gitConfig,
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CEILING_DIRECTORIES=" + h.root,
	}
	return env
}

// FakeAPI serves the subset of the Assistants API the sync path uses
type FakeAPI struct {
	server     *httptest.Server
	mu         gosync.Mutex
	assistants map[string]map[string]any
	listed     []string
}

// NewFakeAPI starts a fake API server that is closed with the test
func NewFakeAPI(t *testing.T) *FakeAPI {
	t.Helper()
	f := &FakeAPI{assistants: make(map[string]map[string]any)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/assistants", f.handleList)
	mux.HandleFunc("GET /v1/assistants/{id}", f.handleGet)
	f.server = httptest.NewServer(f.authorize(mux))
	t.Cleanup(f.server.Close)
	return f
}

// URL returns the server base URL
func (f *FakeAPI) URL() string {
	return f.server.URL
}

// Put creates or replaces an assistant
func (f *FakeAPI) Put(id, name, model, instructions string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	createdAt := 1700000000 + len(f.assistants)
	if prev, ok := f.assistants[id]; ok {
		createdAt = prev["created_at"].(int)
	}
	f.assistants[id] = map[string]any{
		"id":              id,
		"object":          "assistant",
		"created_at":      createdAt,
		"name":            name,
		"description":     nil,
		"model":           model,
		"instructions":    instructions,
		"tools":           []any{},
		"tool_resources":  map[string]any{},
		"metadata":        map[string]any{},
		"temperature":     1.0,
		"top_p":           1.0,
		"response_format": "auto",
	}
}

// ListExtra adds ids to the listing that have no record, so fetching
// them returns 404
func (f *FakeAPI) ListExtra(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed = append(f.listed, ids...)
}

func (f *FakeAPI) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testAPIKey || r.Header.Get("OpenAI-Beta") != "assistants=v2" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error": map[string]any{"message": "Incorrect API key provided", "type": "invalid_request_error"},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *FakeAPI) handleList(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.assistants))
	for id := range f.assistants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	ids = append(ids, f.listed...)

	data := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		if a, ok := f.assistants[id]; ok {
			data = append(data, a)
		} else {
			data = append(data, map[string]any{"id": id, "object": "assistant", "model": "gpt-4o"})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data, "has_more": false})
}

func (f *FakeAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := r.PathValue("id")
	a, ok := f.assistants[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": map[string]any{"message": fmt.Sprintf("No assistant found with id '%s'.", id), "type": "invalid_request_error"},
		})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
