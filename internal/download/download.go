// Package download runs the acquisition phase: fetching the source media
// into the working directory via an external downloader.
package download

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"aperio/internal/apperr"
	"aperio/internal/config"
	"aperio/internal/files"
	"aperio/internal/pool"
	"aperio/internal/security"
)

// formatSelector prefers 1080p H.264 video with AAC audio so most sources
// need only a remux, not a full re-encode.
const formatSelector = "bestvideo[height<=1080][vcodec^=avc1]+bestaudio[acodec^=mp4a]/best[height<=1080]/best"

// Stage downloads a job's source URL into the working directory.
type Stage struct {
	cfg       config.DownloadConfig
	validator *security.Validator
	area      *files.Area
	permits   *pool.Permits
}

// NewStage wires the download phase.
func NewStage(cfg config.DownloadConfig, validator *security.Validator, area *files.Area, permits *pool.Permits) *Stage {
	return &Stage{cfg: cfg, validator: validator, area: area, permits: permits}
}

// Run validates the URL, checks disk headroom, acquires a download permit
// for the whole invocation and executes the downloader. It returns the path
// of the downloaded file.
func (s *Stage) Run(ctx context.Context, jobID, rawURL string) (string, error) {
	if _, err := s.validator.ValidateURL(rawURL); err != nil {
		return "", err
	}
	if err := s.area.DiskPrecheck(s.validator.MaxFileSize()); err != nil {
		return "", err
	}

	outputTemplate, err := s.area.Resolve(jobID, "original.%(ext)s")
	if err != nil {
		return "", err
	}

	release, err := s.permits.AcquireDownload(ctx)
	if err != nil {
		return "", apperr.New(apperr.Internal, "Failed to acquire download slot: %v", err)
	}
	defer release()

	timeoutCtx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
	defer cancel()

	args := []string{
		"-o", outputTemplate,
		"-f", formatSelector,
		"--merge-output-format", "mp4",
		"--max-filesize", strconv.FormatInt(s.validator.MaxFileSize(), 10),
		rawURL,
	}

	slog.Info("Starting download", "job_id", jobID, "url", rawURL)
	start := time.Now()

	cmd := exec.CommandContext(timeoutCtx, s.cfg.DownloadCommand, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if timeoutCtx.Err() == context.DeadlineExceeded {
		s.area.CleanupJob(jobID)
		return "", apperr.New(apperr.Timeout, "Download timed out after %d seconds",
			int(s.cfg.DownloadTimeout.Seconds()))
	}
	if runErr != nil {
		s.area.CleanupJob(jobID)
		return "", apperr.New(apperr.Download, "Download failed: %s", truncate(stderr.String(), 2048))
	}

	path, ok := s.area.LocateDownloaded(jobID)
	if !ok {
		return "", apperr.New(apperr.Download, "No downloaded file found for job %s", jobID)
	}

	// The downloader's own limit is advisory; enforce the cap on the result.
	if info, err := os.Stat(path); err == nil && info.Size() > s.validator.MaxFileSize() {
		s.area.CleanupPath(path)
		return "", apperr.New(apperr.Download, "Downloaded file exceeds maximum size: %d bytes (max: %d)",
			info.Size(), s.validator.MaxFileSize())
	}

	slog.Info("Download completed", "job_id", jobID, "path", path,
		"duration", time.Since(start).Round(time.Millisecond))
	return path, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
