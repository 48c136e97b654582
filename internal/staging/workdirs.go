package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"accession/internal/logging"
)

// ErrInvalidDepositID is returned for ids that cannot name a working
// directory.
var ErrInvalidDepositID = errors.New("invalid deposit id")

// ValidateDepositID accepts ids made of letters, digits, dot, dash and
// underscore, up to 128 characters, other than "." and "..".
func ValidateDepositID(id string) error {
	if id == "" || id == "." || id == ".." || len(id) > 128 {
		return fmt.Errorf("%w: %q", ErrInvalidDepositID, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidDepositID, id)
		}
	}
	return nil
}

// WorkDir returns the working directory of a deposit under root.
func WorkDir(root, depositID string) string {
	return filepath.Join(root, depositID)
}

// EnsureWorkDir creates the working directory of a deposit.
func EnsureWorkDir(root, depositID string) (string, error) {
	dir := WorkDir(root, depositID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir %s: %w", dir, err)
	}
	return dir, nil
}

// CleanResult contains the outcome of a stale directory sweep.
type CleanResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a directory path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// CleanStale removes working directories older than maxAge whose name is not
// a deposit in live. Plain files are left alone.
func CleanStale(ctx context.Context, workRoot string, live map[string]struct{}, maxAge time.Duration, logger *slog.Logger) CleanResult {
	result := CleanResult{}
	if logger == nil {
		logger = logging.NewNop()
	}

	workRoot = strings.TrimSpace(workRoot)
	if workRoot == "" {
		return result
	}

	entries, err := os.ReadDir(workRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: workRoot, Error: err})
		}
		return result
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return result
		}
		if !entry.IsDir() {
			continue
		}
		if _, ok := live[entry.Name()]; ok {
			continue
		}
		dirPath := filepath.Join(workRoot, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(dirPath); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			logger.Warn("failed to remove stale work directory",
				logging.String("path", dirPath),
				logging.Error(err),
				logging.EventType("workdir_cleanup_failed"),
				logging.ErrorHint("check paths.work_dir permissions"),
				logging.Impact("disk space not reclaimed"),
			)
			continue
		}
		result.Removed = append(result.Removed, dirPath)
		logger.Info("removed stale work directory",
			logging.String("path", dirPath),
			logging.Duration("age", time.Since(info.ModTime())),
			logging.EventType("workdir_cleanup"),
		)
	}
	return result
}
