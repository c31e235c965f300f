// Package output chooses where a render is written and removes partial
// files when a render fails.
package output

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Path returns explicit when set. Otherwise it returns dir/<id>.mp4, where
// id is the first 8 hex digits of a random UUID, and creates dir.
func Path(explicit, dir string) (string, error) {
	if explicit != "" {
		if err := os.MkdirAll(filepath.Dir(explicit), 0o755); err != nil {
			return "", fmt.Errorf("output: create directory for %s: %w", explicit, err)
		}
		return explicit, nil
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("output: create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, ShortID()+".mp4"), nil
}

// ShortID returns 8 hex characters from a fresh random UUID.
func ShortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Remove deletes a partial output. A missing file is not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if err == nil {
		slog.Warn("output: removed incomplete file", "path", path)
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("output: remove incomplete %s: %w", path, err)
}

// IncompleteSuffix marks a file that was written in full but failed
// verification.
const IncompleteSuffix = ".incomplete"

// MarkIncomplete renames path to path+IncompleteSuffix and returns the new
// name, replacing any earlier marked file.
func MarkIncomplete(path string) (string, error) {
	marked := path + IncompleteSuffix
	if err := os.Rename(path, marked); err != nil {
		return "", fmt.Errorf("output: mark %s incomplete: %w", path, err)
	}
	slog.Warn("output: marked file incomplete", "path", marked)
	return marked, nil
}
