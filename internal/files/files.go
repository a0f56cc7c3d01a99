// Package files owns the working directory: path construction, the
// active-file registry that defeats cleanup races, and disk bookkeeping.
package files

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"aperio/internal/apperr"
	"aperio/internal/security"
)

// precheckHeadroom is added on top of 2x the max file size when probing
// free disk space: one slot for the original, one for the transcode output,
// plus a gigabyte of slack for container remuxing.
const precheckHeadroom = 1024 * 1024 * 1024

// commonExtensions is probed before falling back to a directory scan in
// LocateDownloaded.
var commonExtensions = []string{"mp4", "mkv", "avi", "mov", "webm", "m4v"}

// Area is the working-directory manager. The active set has its own mutex,
// independent of any queue locking.
type Area struct {
	workingDir string

	mu     sync.Mutex
	active map[string]struct{}
}

// NewArea creates the working directory if needed and returns the manager.
func NewArea(workingDir string) (*Area, error) {
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	return &Area{
		workingDir: workingDir,
		active:     make(map[string]struct{}),
	}, nil
}

// WorkingDir returns the managed directory.
func (a *Area) WorkingDir() string {
	return a.workingDir
}

// Resolve builds {working}/{jobID}_{template} after validating both parts,
// then re-checks ancestry against the canonical working dir to defeat
// symlink escapes.
func (a *Area) Resolve(jobID, template string) (string, error) {
	if err := security.ValidateJobID(jobID); err != nil {
		return "", err
	}
	if strings.ContainsAny(template, "/\\") || strings.Contains(template, "..") || strings.HasPrefix(template, ".") {
		return "", apperr.New(apperr.BadRequest, "Invalid filename")
	}

	path := filepath.Join(a.workingDir, fmt.Sprintf("%s_%s", jobID, template))

	canonicalBase, err := filepath.EvalSymlinks(a.workingDir)
	if err != nil {
		return "", fmt.Errorf("canonicalize working directory: %w", err)
	}
	// The file itself may not exist yet; canonicalize its parent.
	canonicalParent, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil {
		return "", fmt.Errorf("canonicalize path: %w", err)
	}
	if canonicalParent != canonicalBase && !strings.HasPrefix(canonicalParent, canonicalBase+string(filepath.Separator)) {
		return "", apperr.New(apperr.BadRequest, "Path traversal attempt detected")
	}

	return path, nil
}

// LocateDownloaded finds the file the downloader produced for jobID: the
// single file named {jobID}_original followed by '.' or '_'. Common
// extensions are probed directly before scanning the directory.
func (a *Area) LocateDownloaded(jobID string) (string, bool) {
	base := jobID + "_original"
	for _, ext := range commonExtensions {
		candidate := filepath.Join(a.workingDir, base+"."+ext)
		if fileExists(candidate) {
			return candidate, true
		}
		// Some downloaders append an underscore before merging.
		candidate = filepath.Join(a.workingDir, base+"_."+ext)
		if fileExists(candidate) {
			return candidate, true
		}
	}

	// Rare: downloader chose an extension outside the common set.
	entries, err := os.ReadDir(a.workingDir)
	if err != nil {
		return "", false
	}
	prefix := jobID + "_original"
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, prefix) {
			rest := name[len(prefix):]
			if strings.HasPrefix(rest, ".") || strings.HasPrefix(rest, "_") {
				return filepath.Join(a.workingDir, name), true
			}
		}
	}
	return "", false
}

// MarkActive shields path from cleanup until UnmarkActive.
func (a *Area) MarkActive(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active[path] = struct{}{}
}

// UnmarkActive removes path from the do-not-clean set.
func (a *Area) UnmarkActive(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active, path)
}

// IsActive reports whether path is currently shielded.
func (a *Area) IsActive(path string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[path]
	return ok
}

// tryMarkActive marks path only if nobody else holds it, so two cleaners
// cannot race on the same file.
func (a *Area) tryMarkActive(path string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, held := a.active[path]; held {
		return false
	}
	a.active[path] = struct{}{}
	return true
}

// CleanupJob deletes every file whose name begins with jobID, skipping
// paths in the active set. Skips are reported in the log but are not
// errors; deletion failures are collected and returned together.
func (a *Area) CleanupJob(jobID string) error {
	entries, err := os.ReadDir(a.workingDir)
	if err != nil {
		return fmt.Errorf("read working directory: %w", err)
	}

	var cleaned, skipped int
	var failures []string

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), jobID) {
			continue
		}
		path := filepath.Join(a.workingDir, entry.Name())

		if !a.tryMarkActive(path) {
			skipped++
			slog.Warn("Skipping cleanup of active file", "path", path)
			continue
		}

		// Re-check existence after taking the mark: a concurrent cleaner
		// may have removed the file between ReadDir and here.
		if !fileExists(path) {
			a.UnmarkActive(path)
			continue
		}

		if err := os.Remove(path); err != nil {
			failures = append(failures, fmt.Sprintf("failed to remove %s: %v", path, err))
		} else {
			cleaned++
			slog.Info("Cleaned up file", "path", path)
		}
		a.UnmarkActive(path)
	}

	if skipped > 0 {
		slog.Info("Skipped active files during cleanup", "job_id", jobID, "skipped", skipped)
	}
	if len(failures) > 0 {
		return apperr.New(apperr.Internal, "Cleanup completed with errors: %s", strings.Join(failures, ", "))
	}

	slog.Info("Cleaned up job files", "job_id", jobID, "files", cleaned)
	return nil
}

// CleanupPath removes a single file; a missing file is success.
func (a *Area) CleanupPath(path string) error {
	err := os.Remove(path)
	if err == nil {
		slog.Info("Cleaned up file", "path", path)
		return nil
	}
	if os.IsNotExist(err) {
		return nil
	}
	return apperr.New(apperr.Internal, "Failed to remove file %s: %v", path, err)
}

// DiskPrecheck verifies at least 2*maxFileSize + 1GiB of free space. A
// failed statfs is treated as a pass: lack of visibility must not block
// downloads.
func (a *Area) DiskPrecheck(maxFileSize int64) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(a.workingDir, &stat); err != nil {
		slog.Warn("Failed to check disk space", "error", err)
		return nil
	}

	available := int64(stat.Bavail) * stat.Bsize
	required := maxFileSize*2 + precheckHeadroom
	if available < required {
		return apperr.New(apperr.Internal,
			"Insufficient disk space. Available: %d bytes, Required: %d bytes", available, required)
	}

	slog.Debug("Disk space check passed", "available_gb", available/(1024*1024*1024))
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
