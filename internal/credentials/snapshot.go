package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Snapshot is the static OAuth configuration read from disk at start.
// It is never reloaded.
type Snapshot map[string]string

// Get returns the value stored under key, or "".
func (s Snapshot) Get(key string) string {
	if s == nil {
		return ""
	}
	return s[key]
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadSnapshot reads the snapshot at path. A missing file yields an empty
// snapshot and no error. An unreadable or malformed file yields an empty
// snapshot and the error, so callers can log it and keep going.
func LoadSnapshot(path string) (Snapshot, error) {
	if path == "" {
		return Snapshot{}, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("failed to read oauth snapshot: %w", err)
	}

	raw := map[string]any{}
	if isTOML(path) {
		err = toml.Unmarshal(b, &raw)
	} else {
		err = json.Unmarshal(b, &raw)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to parse oauth snapshot %s: %w", path, err)
	}

	snap := make(Snapshot, len(raw))
	for k, v := range raw {
		if s := scalarString(v); s != "" {
			snap[k] = s
		}
	}
	return snap, nil
}

// scalarString renders strings and numbers; nested values are ignored.
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// WriteSnapshot merges values into the file at path, creating it if needed.
// The write goes through a temp file and a rename. Empty values are skipped.
func WriteSnapshot(path string, values map[string]string) error {
	if path == "" {
		return errors.New("oauth snapshot path is empty")
	}

	current, err := LoadSnapshot(path)
	if err != nil {
		return err
	}
	for k, v := range values {
		if v != "" {
			current[k] = v
		}
	}

	var b []byte
	if isTOML(path) {
		b, err = toml.Marshal(map[string]string(current))
	} else {
		b, err = json.MarshalIndent(current, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode oauth snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".oauth-snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace oauth snapshot: %w", err)
	}
	return nil
}
