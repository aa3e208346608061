// Package testutil holds fixtures shared by tests that drive a real git
// binary.
package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// Identity used for commits made by test setup
const (
	GitUserName  = "Test"
	GitUserEmail = "test@test.com"
)

// FindProjectRoot walks up from the caller's source file to the
// directory holding go.mod
func FindProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	for dir := filepath.Dir(filename); ; {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// Git runs a git command for test setup with a fixed identity and fails
// the test on error. The trimmed combined output is returned.
func Git(t *testing.T, args ...string) string {
	t.Helper()
	full := append([]string{"-c", "user.email=" + GitUserEmail, "-c", "user.name=" + GitUserName}, args...)
	out, err := exec.Command("git", full...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// InitBareRemote creates a bare repository with a main branch to act as
// a push target
func InitBareRemote(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "remote.git")
	Git(t, "init", "--bare", "-b", "main", dir)
	return dir
}

// WriteFile creates or overwrites name relative to dir, creating parent
// directories
func WriteFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// CommitCount returns the number of commits reachable from rev in the
// repository at dir (a working copy or a bare repository)
func CommitCount(t *testing.T, dir, rev string) string {
	t.Helper()
	return Git(t, "-C", dir, "rev-list", "--count", rev)
}
