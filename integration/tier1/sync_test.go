//go:build integration

package tier1

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTier1Sync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)

	if err := h.BuildBinary(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}
	if err := h.SetupRemote(ctx); err != nil {
		t.Fatalf("setup remote: %v", err)
	}
	if err := h.WriteConfig(); err != nil {
		t.Fatalf("write config: %v", err)
	}

	h.API.Put("asst_A1", "Ventas", "gpt-4o", "Sell things")
	h.API.Put("asst_A2", "Soporte", "gpt-4o-mini", "")

	// Run all scenarios as subtests; each builds on the previous one
	t.Run("A_InitialSync", func(t *testing.T) {
		testInitialSync(t, h, ctx)
	})

	t.Run("B_NoOpSync", func(t *testing.T) {
		testNoOpSync(t, h, ctx)
	})

	t.Run("C_UpdateSync", func(t *testing.T) {
		testUpdateSync(t, h, ctx)
	})

	t.Run("D_RemoteAdvancedRebases", func(t *testing.T) {
		testRemoteAdvancedRebases(t, h, ctx)
	})

	t.Run("E_VanishedAssistantAborts", func(t *testing.T) {
		testVanishedAssistantAborts(t, h, ctx)
	})

	t.Run("F_Clean", func(t *testing.T) {
		testClean(t, h, ctx)
	})
}

// testInitialSync publishes one commit per assistant into an empty remote
func testInitialSync(t *testing.T, h *Harness, ctx context.Context) {
	stdout, stderr := h.MustRun(ctx, "sync")
	t.Logf("stdout: %s", stdout)
	t.Logf("stderr: %s", stderr)

	if got := h.RemoteCommitCount(ctx); got != 2 {
		t.Errorf("remote commits = %d, want 2", got)
	}

	prompt, err := h.RemoteFile(ctx, "assistants/asst_A1/prompt.md")
	if err != nil {
		t.Fatalf("read remote prompt: %v", err)
	}
	if prompt != "Sell things" {
		t.Errorf("remote prompt = %q, want %q", prompt, "Sell things")
	}

	config, err := h.RemoteFile(ctx, "assistants/asst_A2/config.json")
	if err != nil {
		t.Fatalf("read remote config: %v", err)
	}
	if !strings.Contains(config, `    "model": "gpt-4o-mini"`) {
		t.Errorf("config.json not indented with four spaces:\n%s", config)
	}

	subject := h.MustGit(ctx, "", "--git-dir", h.RemoteDir, "log", "-1", "--format=%s", "main")
	if !strings.HasPrefix(subject, "Commit realizado - ") || !strings.HasSuffix(subject, ".") {
		t.Errorf("commit subject = %q", subject)
	}
	author := h.MustGit(ctx, "", "--git-dir", h.RemoteDir, "log", "-1", "--format=%an <%ae>", "main")
	if author != testUser+" <"+testUser+"@users.noreply.github.com>" {
		t.Errorf("commit author = %q", author)
	}

	// Credentials never reach the output or the history log
	if strings.Contains(stdout+stderr, testToken) || strings.Contains(stdout+stderr, testAPIKey) {
		t.Error("credentials leaked into command output")
	}
	history, err := os.ReadFile(filepath.Join(h.StateDir, "logs", "history.log"))
	if err != nil {
		t.Fatalf("read history log: %v", err)
	}
	if strings.Contains(string(history), testToken) {
		t.Error("token leaked into history log")
	}

	if !h.FileExists(filepath.Join(h.StateDir, "state.json")) {
		t.Error("state file does not exist")
	}
}

// testNoOpSync re-runs against unchanged assistants and expects no commit
func testNoOpSync(t *testing.T, h *Harness, ctx context.Context) {
	before := h.RemoteCommitCount(ctx)

	stdout, _ := h.MustRun(ctx)
	if !strings.Contains(stdout, "result=no-op") {
		t.Errorf("expected no-op publish in output:\n%s", stdout)
	}

	if got := h.RemoteCommitCount(ctx); got != before {
		t.Errorf("remote commits = %d, want %d", got, before)
	}
}

// testUpdateSync changes one assistant and expects exactly one new commit
func testUpdateSync(t *testing.T, h *Harness, ctx context.Context) {
	before := h.RemoteCommitCount(ctx)
	h.API.Put("asst_A1", "Ventas", "gpt-4o", "Sell more things")

	h.MustRun(ctx, "sync")

	if got := h.RemoteCommitCount(ctx); got != before+1 {
		t.Errorf("remote commits = %d, want %d", got, before+1)
	}
	prompt, err := h.RemoteFile(ctx, "assistants/asst_A1/prompt.md")
	if err != nil {
		t.Fatalf("read remote prompt: %v", err)
	}
	if prompt != "Sell more things" {
		t.Errorf("remote prompt = %q", prompt)
	}
}

// testRemoteAdvancedRebases pushes from a second clone first so the
// sync push is rejected and recovered with one rebase
func testRemoteAdvancedRebases(t *testing.T, h *Harness, ctx context.Context) {
	otherDir := filepath.Join(t.TempDir(), "other")
	h.MustGit(ctx, "", "clone", h.RemoteDir, otherDir)
	if err := os.WriteFile(filepath.Join(otherDir, "README.md"), []byte("# assistants\n"), 0644); err != nil {
		t.Fatal(err)
	}
	h.MustGit(ctx, otherDir, "add", "README.md")
	h.MustGit(ctx, otherDir, "commit", "-m", "Add README")
	h.MustGit(ctx, otherDir, "push", "origin", "main")

	before := h.RemoteCommitCount(ctx)
	h.API.Put("asst_A2", "Soporte", "gpt-4o-mini", "Be patient")

	stdout, _ := h.MustRun(ctx, "sync")
	if !strings.Contains(stdout, "result=rebased") {
		t.Errorf("expected rebased publish in output:\n%s", stdout)
	}

	if got := h.RemoteCommitCount(ctx); got != before+1 {
		t.Errorf("remote commits = %d, want %d", got, before+1)
	}
	if _, err := h.RemoteFile(ctx, "README.md"); err != nil {
		t.Errorf("concurrent commit lost: %v", err)
	}
	prompt, err := h.RemoteFile(ctx, "assistants/asst_A2/prompt.md")
	if err != nil {
		t.Fatalf("read remote prompt: %v", err)
	}
	if prompt != "Be patient" {
		t.Errorf("remote prompt = %q", prompt)
	}
}

// testVanishedAssistantAborts lists an assistant that cannot be fetched
func testVanishedAssistantAborts(t *testing.T, h *Harness, ctx context.Context) {
	before := h.RemoteCommitCount(ctx)
	h.API.ListExtra("asst_A9")

	stdout, stderr, exitCode, err := h.Run(ctx, "sync")
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 1 {
		t.Fatalf("exit code = %d, want 1\nstdout: %s\nstderr: %s", exitCode, stdout, stderr)
	}
	if !strings.Contains(stdout, "asst_A9") {
		t.Errorf("failure does not name the assistant:\n%s", stdout)
	}

	if _, err := os.Stat(filepath.Join(h.SnapshotDir, "asst_A9")); !os.IsNotExist(err) {
		t.Errorf("asst_A9 directory should not exist, stat error = %v", err)
	}
	if got := h.RemoteCommitCount(ctx); got != before {
		t.Errorf("remote commits = %d, want %d", got, before)
	}
}

// testClean removes local snapshots without touching the remote
func testClean(t *testing.T, h *Harness, ctx context.Context) {
	before := h.RemoteCommitCount(ctx)

	h.MustRun(ctx, "clean")

	entries, err := os.ReadDir(h.SnapshotDir)
	if err != nil {
		t.Fatalf("read snapshot dir: %v", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			t.Errorf("snapshot %s not removed", e.Name())
		}
	}
	if got := h.RemoteCommitCount(ctx); got != before {
		t.Errorf("remote commits = %d, want %d", got, before)
	}
}
