package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schaermu/assistsync/internal/agents"
)

// File names inside one snapshot directory
const (
	ConfigFile = "config.json"
	PromptFile = "prompt.md"
)

// TempPattern matches the temporary files Write renames into place. A
// crash can leave one behind, so the repository excludes it.
const TempPattern = ".assistsync-tmp-*"

// ErrInvalidID is returned for identifiers that cannot be used as a
// single directory name
var ErrInvalidID = errors.New("invalid assistant id")

// Result describes a written snapshot
type Result struct {
	Dir        string
	ConfigPath string
	PromptPath string
	// Hash is the SHA256 of the config file content
	Hash string
}

// Store writes assistant snapshots below a root directory, one
// directory per assistant id
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates a snapshot store rooted at root
func NewStore(root string, logger *slog.Logger) *Store {
	return &Store{root: root, logger: logger}
}

// Root returns the directory holding all snapshots
func (s *Store) Root() string {
	return s.root
}

// Dir returns the snapshot directory for id, creating it if absent
func (s *Store) Dir(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return dir, nil
}

// Write serializes a into the snapshot directory for id: the full record
// as indented JSON and the instructions as plain text. The config file
// is written first; each file is replaced atomically.
func (s *Store) Write(id string, a *agents.Assistant) (*Result, error) {
	if a == nil {
		return nil, fmt.Errorf("snapshot %s: nil assistant", id)
	}
	dir, err := s.Dir(id)
	if err != nil {
		return nil, err
	}

	data, err := Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, err)
	}

	res := &Result{
		Dir:        dir,
		ConfigPath: filepath.Join(dir, ConfigFile),
		PromptPath: filepath.Join(dir, PromptFile),
		Hash:       contentHash(data),
	}

	if err := writeFileAtomic(res.ConfigPath, data); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", res.ConfigPath, err)
	}
	s.logger.Info("assistant config written", "assistant", id, "path", res.ConfigPath)

	if err := writeFileAtomic(res.PromptPath, []byte(a.InstructionsText())); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", res.PromptPath, err)
	}
	s.logger.Info("assistant prompt written", "assistant", id, "path", res.PromptPath)

	return res, nil
}

// Read loads the config file of a snapshot back into an Assistant
func (s *Store) Read(id string) (*agents.Assistant, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, id, ConfigFile))
	if err != nil {
		return nil, err
	}
	var a agents.Assistant
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", id, err)
	}
	return &a, nil
}

// List returns the ids of all existing snapshot directories, sorted
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Clear removes every snapshot directory under the root. The sync path
// never calls it; it backs the clean command.
func (s *Store) Clear() (int, error) {
	ids, err := s.List()
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if err := os.RemoveAll(filepath.Join(s.root, id)); err != nil {
			return i, fmt.Errorf("failed to remove snapshot %s: %w", id, err)
		}
		s.logger.Info("snapshot removed", "assistant", id)
	}
	return len(ids), nil
}

// Marshal renders a as canonical JSON: four space indentation, struct
// field order, sorted map keys, no HTML escaping, trailing newline.
func Marshal(a *agents.Assistant) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(a); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// writeFileAtomic writes data to a temp file next to dst and renames it
// into place
func writeFileAtomic(dst string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), TempPattern)
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// contentHash computes the SHA256 hash of data
func contentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
