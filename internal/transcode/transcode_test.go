package transcode

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aperio/internal/apperr"
	"aperio/internal/config"
	"aperio/internal/files"
	"aperio/internal/pool"
)

// writeScript creates an executable stub standing in for ffmpeg. The
// output file is always the final argument.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

const touchLastArg = `for arg; do last=$arg; done
echo transcoded > "$last"`

func newStage(t *testing.T, command string, timeout time.Duration) (*Stage, *files.Area) {
	t.Helper()
	area, err := files.NewArea(t.TempDir())
	require.NoError(t, err)

	cfg := config.ProcessingConfig{
		ProcessingTimeout: timeout,
		FFmpegCommand:     command,
		VideoCodec:        "libx264",
		AudioCodec:        "aac",
		Preset:            "medium",
		CRF:               23,
		AudioBitrate:      "128k",
	}
	return NewStage(cfg, area, pool.NewPermits(1, 1)), area
}

func TestRunSuccess(t *testing.T) {
	stage, area := newStage(t, writeScript(t, touchLastArg), 10*time.Second)
	input := filepath.Join(area.WorkingDir(), "job-1_original.mp4")
	require.NoError(t, os.WriteFile(input, []byte("video"), 0o644))

	got, err := stage.Run(context.Background(), "job-1", input)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(area.WorkingDir(), "job-1_processed.mp4"), got)
	assert.FileExists(t, got)
}

func TestRunSurfacesStderrOnFailure(t *testing.T) {
	stage, _ := newStage(t, writeScript(t, `echo "Unknown encoder" >&2; exit 1`), 10*time.Second)

	_, err := stage.Run(context.Background(), "job-1", "/nonexistent.mp4")
	assert.Error(t, err)
	assert.Equal(t, apperr.Processing, apperr.KindOf(err))
	assert.Contains(t, apperr.MessageOf(err), "Unknown encoder")
}

func TestRunFailureRemovesPartialOutput(t *testing.T) {
	// Writes partial output, then dies.
	stage, area := newStage(t, writeScript(t, touchLastArg+"\nexit 1"), 10*time.Second)

	_, err := stage.Run(context.Background(), "job-1", "/nonexistent.mp4")
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(area.WorkingDir(), "job-1_processed.mp4"))
}

func TestRunTimeout(t *testing.T) {
	stage, _ := newStage(t, writeScript(t, "sleep 5"), 100*time.Millisecond)

	start := time.Now()
	_, err := stage.Run(context.Background(), "job-1", "/nonexistent.mp4")
	assert.Error(t, err)
	assert.Equal(t, apperr.Timeout, apperr.KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunMissingOutput(t *testing.T) {
	stage, _ := newStage(t, writeScript(t, "exit 0"), 10*time.Second)

	_, err := stage.Run(context.Background(), "job-1", "/nonexistent.mp4")
	assert.Error(t, err)
	assert.Contains(t, apperr.MessageOf(err), "Output file not created")
}

func TestRunRejectsBadJobID(t *testing.T) {
	stage, _ := newStage(t, writeScript(t, "exit 0"), 10*time.Second)

	_, err := stage.Run(context.Background(), "../escape", "/input.mp4")
	assert.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}
