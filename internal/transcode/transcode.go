// Package transcode runs the normalization phase: re-encoding the
// downloaded media into a streaming-friendly MP4.
package transcode

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
)

// Stage converts a downloaded file into the normalized output format.
type Stage struct {
	cfg     config.ProcessingConfig
	area    *files.Area
	permits *pool.Permits
}

// NewStage wires the transcode phase.
func NewStage(cfg config.ProcessingConfig, area *files.Area, permits *pool.Permits) *Stage {
	return &Stage{cfg: cfg, area: area, permits: permits}
}

// Run transcodes inputPath to {jobID}_processed.mp4 under a transcode
// permit and returns the output path. Partial output is removed on any
// failure.
func (s *Stage) Run(ctx context.Context, jobID, inputPath string) (string, error) {
	outputPath, err := s.area.Resolve(jobID, "processed.mp4")
	if err != nil {
		return "", err
	}

	release, err := s.permits.AcquireTranscode(ctx)
	if err != nil {
		return "", apperr.New(apperr.Internal, "Failed to acquire processing slot: %v", err)
	}
	defer release()

	timeoutCtx, cancel := context.WithTimeout(ctx, s.cfg.ProcessingTimeout)
	defer cancel()

	args := []string{
		"-i", inputPath,
		"-c:v", s.cfg.VideoCodec,
		"-preset", s.cfg.Preset,
		"-crf", strconv.Itoa(s.cfg.CRF),
		"-profile:v", "high",
		"-level", "4.0",
		"-pix_fmt", "yuv420p",
		// Even dimensions are required by yuv420p.
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-c:a", s.cfg.AudioCodec,
		"-b:a", s.cfg.AudioBitrate,
		"-ac", "2",
		"-threads", "0",
		"-movflags", "+faststart",
		"-max_muxing_queue_size", "1024",
		outputPath,
	}

	slog.Info("Starting transcode", "job_id", jobID, "input", inputPath)
	start := time.Now()

	cmd := exec.CommandContext(timeoutCtx, s.cfg.FFmpegCommand, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if timeoutCtx.Err() == context.DeadlineExceeded {
		removePartial(outputPath)
		return "", apperr.New(apperr.Timeout, "Processing timed out after %d seconds",
			int(s.cfg.ProcessingTimeout.Seconds()))
	}
	if runErr != nil {
		removePartial(outputPath)
		return "", apperr.New(apperr.Processing, "Video processing failed: %s", truncate(stderr.String(), 2048))
	}

	if info, err := os.Stat(outputPath); err != nil || !info.Mode().IsRegular() {
		return "", apperr.New(apperr.Processing, "Output file not created")
	}

	slog.Info("Transcode completed", "job_id", jobID, "output", outputPath,
		"duration", time.Since(start).Round(time.Millisecond))
	return outputPath, nil
}

func removePartial(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove partial output", "path", path, "error", err)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
