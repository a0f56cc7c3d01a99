package retention

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"aperio/internal/apperr"
	"aperio/internal/config"
	"aperio/internal/files"
	"aperio/internal/job"
	"aperio/internal/store"
)

func newFixture(t *testing.T) (*store.JobStore, *files.Area, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	area, err := files.NewArea(t.TempDir())
	require.NoError(t, err)
	return st, area, dbPath
}

// backdate rewrites updated_at directly, something the store deliberately
// offers no API for.
func backdate(t *testing.T, dbPath, id string, days int) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+dbPath)
	require.NoError(t, err)
	defer db.Close()

	stamp := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02T15:04:05.000Z07:00")
	_, err = db.Exec("UPDATE jobs SET updated_at = ? WHERE id = ?", stamp, id)
	require.NoError(t, err)
}

func TestCycleDeletesExpiredJobsAndFiles(t *testing.T) {
	st, area, dbPath := newFixture(t)
	ctx := context.Background()

	expired := job.New("https://youtu.be/old")
	require.NoError(t, st.Create(ctx, expired))
	expired.UpdateStatus(job.StatusCompleted)
	require.NoError(t, st.Update(ctx, expired))
	backdate(t, dbPath, expired.ID, 40)

	leftover := filepath.Join(area.WorkingDir(), expired.ID+"_processed.mp4")
	require.NoError(t, os.WriteFile(leftover, []byte("x"), 0o644))

	fresh := job.New("https://youtu.be/new")
	require.NoError(t, st.Create(ctx, fresh))

	w := NewWorker(config.RetentionConfig{RetentionDays: 30, CleanupIntervalHours: 24}, st, area)
	w.cycle(ctx)

	_, err := st.Get(ctx, expired.ID)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	assert.NoFileExists(t, leftover)

	_, err = st.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestCycleLeavesLiveJobsAlone(t *testing.T) {
	st, area, dbPath := newFixture(t)
	ctx := context.Background()

	stale := job.New("https://youtu.be/stuck")
	require.NoError(t, st.Create(ctx, stale))
	backdate(t, dbPath, stale.ID, 90)

	w := NewWorker(config.RetentionConfig{RetentionDays: 30, CleanupIntervalHours: 24}, st, area)
	w.cycle(ctx)

	got, err := st.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
}

func TestCycleSkipsActiveFiles(t *testing.T) {
	st, area, dbPath := newFixture(t)
	ctx := context.Background()

	expired := job.New("https://youtu.be/served")
	require.NoError(t, st.Create(ctx, expired))
	expired.UpdateStatus(job.StatusCompleted)
	require.NoError(t, st.Update(ctx, expired))
	backdate(t, dbPath, expired.ID, 40)

	// A file currently streaming to a client survives the sweep.
	busy := filepath.Join(area.WorkingDir(), expired.ID+"_processed.mp4")
	require.NoError(t, os.WriteFile(busy, []byte("x"), 0o644))
	area.MarkActive(busy)

	w := NewWorker(config.RetentionConfig{RetentionDays: 30, CleanupIntervalHours: 24}, st, area)
	w.cycle(ctx)

	assert.FileExists(t, busy)
}
