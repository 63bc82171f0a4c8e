package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/jobusage/pkg/usagefile"
)

var baseTime = time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)

func registryNames(t *testing.T, p *Pipeline) map[string]bool {
	t.Helper()
	rows, err := p.registry.List(t.Context())
	require.NoError(t, err)
	out := make(map[string]bool, len(rows))
	for name, row := range rows {
		out[filepath.Base(name)] = row.Completed
	}
	return out
}

func TestJobUsage_Ingest_PipelineConfig(t *testing.T) {
	t.Parallel()

	_, err := NewPipeline(t.Context(), PipelineConfig{})
	require.EqualError(t, err, "logger is required")
	_, err = NewPipeline(t.Context(), PipelineConfig{Logger: logger, DB: testDB(t)})
	require.EqualError(t, err, "source is required")
	_, err = NewPipeline(t.Context(), PipelineConfig{Logger: logger, Source: &mockSource{}})
	require.EqualError(t, err, "database is required")

	cfg := PipelineConfig{Logger: logger, Source: &mockSource{}, DB: testDB(t)}
	require.NoError(t, cfg.Validate())
	require.Equal(t, defaultRefreshInterval, cfg.RefreshInterval)
	require.Equal(t, defaultConcurrency, cfg.Concurrency)
	require.Equal(t, defaultBatchSize, cfg.BatchSize)

	_, err = NewLocalSource("")
	require.ErrorIs(t, err, ErrNoPattern)
}

func TestJobUsage_Ingest_Pipeline_Idempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeUsageFile(t, filepath.Join(dir, "a.arrow"), baseTime,
		record("dev", "alice", 0, 10), record("dev", "bob", 0, 20), record("dev", "alice", 1, 30))
	writeUsageFile(t, filepath.Join(dir, "nested", "b.arrow"), baseTime,
		record("prod", "carol", 2, 5))

	src, err := NewLocalSource(filepath.Join(dir, "**", "*.arrow"))
	require.NoError(t, err)
	db := testDB(t)
	inv := &countingInvalidator{}
	p := newTestPipeline(t, db, src, inv)

	res, err := p.RunCycle(t.Context())
	require.NoError(t, err)
	require.Equal(t, CycleResult{Listed: 2, Loaded: 2, Facts: 4}, res)
	require.Equal(t, int32(1), inv.calls.Load())
	require.True(t, p.Ready())

	n, sum := countFacts(t, db)
	require.Equal(t, int64(4), n)
	require.Equal(t, 65.0, sum)
	before := snapshotFacts(t, db)
	require.Len(t, before, 4)

	res, err = p.RunCycle(t.Context())
	require.NoError(t, err)
	require.Equal(t, CycleResult{Listed: 2}, res)
	require.Equal(t, int32(1), inv.calls.Load())

	require.Equal(t, before, snapshotFacts(t, db))
	require.Equal(t, map[string]bool{"a.arrow": true, "b.arrow": true}, registryNames(t, p))
}

func TestJobUsage_Ingest_Pipeline_TextValuesRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	users := []string{"", "a,b", `q"uote`, "multi\nline", "  padded  ", "NULL"}
	for i, u := range users {
		writeUsageFile(t, filepath.Join(dir, fmt.Sprintf("f%d.arrow", i)), baseTime, record("dev", u, int64(i), 1))
	}

	src, err := NewLocalSource(filepath.Join(dir, "*.arrow"))
	require.NoError(t, err)
	db := testDB(t)
	p := newTestPipeline(t, db, src, nil)

	res, err := p.RunCycle(t.Context())
	require.NoError(t, err)
	require.Equal(t, CycleResult{Listed: 6, Loaded: 6, Facts: 6}, res)

	conn, err := db.Conn(t.Context())
	require.NoError(t, err)
	defer conn.Close()
	rows, err := conn.QueryContext(t.Context(), `SELECT user_name FROM usage_facts ORDER BY time_ms`)
	require.NoError(t, err)
	defer rows.Close()
	var got []string
	for rows.Next() {
		var u string
		require.NoError(t, rows.Scan(&u))
		got = append(got, u)
	}
	require.NoError(t, rows.Err())
	require.Equal(t, users, got)
}

func TestJobUsage_Ingest_Pipeline_StaleAndRemoved(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.arrow"), filepath.Join(dir, "b.arrow")
	writeUsageFile(t, a, baseTime, record("dev", "alice", 0, 10))
	writeUsageFile(t, b, baseTime, record("dev", "bob", 0, 20))

	src, err := NewLocalSource(filepath.Join(dir, "*.arrow"))
	require.NoError(t, err)
	db := testDB(t)
	inv := &countingInvalidator{}
	p := newTestPipeline(t, db, src, inv)

	_, err = p.RunCycle(t.Context())
	require.NoError(t, err)

	t.Run("modified file is reloaded", func(t *testing.T) {
		writeUsageFile(t, a, baseTime.Add(time.Hour), record("dev", "alice", 0, 100), record("dev", "alice", 1, 1))
		res, err := p.RunCycle(t.Context())
		require.NoError(t, err)
		require.Equal(t, CycleResult{Listed: 2, Stale: 1, Loaded: 1, Facts: 2}, res)
		n, sum := countFacts(t, db)
		require.Equal(t, int64(3), n)
		require.Equal(t, 121.0, sum)
		require.Equal(t, int32(2), inv.calls.Load())
	})

	t.Run("removed file facts are dropped", func(t *testing.T) {
		require.NoError(t, os.Remove(b))
		res, err := p.RunCycle(t.Context())
		require.NoError(t, err)
		require.Equal(t, CycleResult{Listed: 1, Removed: 1}, res)
		n, sum := countFacts(t, db)
		require.Equal(t, int64(2), n)
		require.Equal(t, 101.0, sum)
		require.Equal(t, map[string]bool{"a.arrow": true}, registryNames(t, p))
		require.Equal(t, int32(3), inv.calls.Load())
	})
}

func TestJobUsage_Ingest_Pipeline_FailedFileIsRolledBack(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bad := []usagefile.Record{
		record("dev", "alice", 0, 1), record("dev", "alice", 1, 1),
		record("dev", "alice", 2, 1), record("dev", "alice", 3, 1),
		record("dev", "alice", 4, 1),
	}
	// Decoding fails on the fifth row, after two batches were inserted.
	bad[4].Unit = "DAYS"
	writeUsageFile(t, filepath.Join(dir, "bad.arrow"), baseTime, bad...)
	writeUsageFile(t, filepath.Join(dir, "good.arrow"), baseTime, record("dev", "bob", 0, 7))

	src, err := NewLocalSource(filepath.Join(dir, "*.arrow"))
	require.NoError(t, err)
	db := testDB(t)
	p := newTestPipeline(t, db, src, nil)

	res, err := p.RunCycle(t.Context())
	require.NoError(t, err)
	require.Equal(t, CycleResult{Listed: 2, Loaded: 1, Failed: 1, Facts: 1}, res)

	n, sum := countFacts(t, db)
	require.Equal(t, int64(1), n)
	require.Equal(t, 7.0, sum)
	require.Equal(t, map[string]bool{"good.arrow": true}, registryNames(t, p))

	// The failed file is retried on the next cycle.
	res, err = p.RunCycle(t.Context())
	require.NoError(t, err)
	require.Equal(t, CycleResult{Listed: 2, Failed: 1}, res)
}

func TestJobUsage_Ingest_Pipeline_IncompleteRowIsReloaded(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.arrow")
	writeUsageFile(t, path, baseTime, record("dev", "alice", 0, 10), record("dev", "alice", 1, 5))

	src, err := NewLocalSource(filepath.Join(dir, "*.arrow"))
	require.NoError(t, err)
	db := testDB(t)
	p := newTestPipeline(t, db, src, nil)

	// Leave a registry row and a partial batch behind, as a crash would.
	conn, err := db.Conn(t.Context())
	require.NoError(t, err)
	id, err := p.registry.Insert(t.Context(), conn, path, baseTime.UnixMilli())
	require.NoError(t, err)
	_, err = conn.ExecContext(t.Context(), `INSERT INTO usage_facts
		(file_id, cluster, user_name, job_type, status, excess, time_ms, started, finished, elapsed_minutes)
		VALUES (?, 'dev', 'alice', 'MAP', 'SUCCESS', false, 0, 1, 1, 10)`, id)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	res, err := p.RunCycle(t.Context())
	require.NoError(t, err)
	require.Equal(t, CycleResult{Listed: 1, Stale: 1, Loaded: 1, Facts: 2}, res)

	n, sum := countFacts(t, db)
	require.Equal(t, int64(2), n)
	require.Equal(t, 15.0, sum)
	require.Equal(t, map[string]bool{"a.arrow": true}, registryNames(t, p))
}

func TestJobUsage_Ingest_Pipeline_Hooks(t *testing.T) {
	t.Parallel()

	var listed atomic.Int32
	var after atomic.Int32
	src := &hookedSource{
		mockSource: mockSource{
			ListFilesFunc: func(context.Context) ([]FileInfo, error) {
				listed.Add(1)
				return nil, nil
			},
		},
		BeforeCycleFunc: func(context.Context) error { return errors.New("access denied") },
		AfterCycleFunc:  func(context.Context) error { after.Add(1); return nil },
	}
	p := newTestPipeline(t, testDB(t), src, nil)

	_, err := p.RunCycle(t.Context())
	require.ErrorContains(t, err, "access denied")
	require.Zero(t, listed.Load())
	require.Zero(t, after.Load())
	require.False(t, p.Ready())

	src.BeforeCycleFunc = func(context.Context) error { return nil }
	_, err = p.RunCycle(t.Context())
	require.NoError(t, err)
	require.Equal(t, int32(1), listed.Load())
	require.Equal(t, int32(1), after.Load())
	require.True(t, p.Ready())
}

func TestJobUsage_Ingest_Pipeline_FetchFailureIsolated(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.arrow")
	writeUsageFile(t, good, baseTime, record("dev", "bob", 0, 7))

	var released atomic.Int32
	src := &mockSource{
		ListFilesFunc: func(context.Context) ([]FileInfo, error) {
			return []FileInfo{{Name: "remote/missing.arrow", Modified: baseTime}, {Name: good, Modified: baseTime}}, nil
		},
		FetchLocalCopyFunc: func(_ context.Context, name string) (string, func(), error) {
			if name == good {
				return name, func() { released.Add(1) }, nil
			}
			return "", nil, errors.New("not found")
		},
	}
	db := testDB(t)
	p := newTestPipeline(t, db, src, nil)

	res, err := p.RunCycle(t.Context())
	require.NoError(t, err)
	require.Equal(t, CycleResult{Listed: 2, Loaded: 1, Failed: 1, Facts: 1}, res)
	require.Equal(t, int32(1), released.Load())
	require.Equal(t, map[string]bool{"good.arrow": true}, registryNames(t, p))
}

func TestJobUsage_Ingest_Pipeline_Loop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	cycles := make(chan struct{}, 10)
	src := &mockSource{
		ListFilesFunc: func(context.Context) ([]FileInfo, error) {
			cycles <- struct{}{}
			return nil, nil
		},
	}
	clock := clockwork.NewFakeClock()
	p, err := NewPipeline(ctx, PipelineConfig{
		Logger:          logger,
		Clock:           clock,
		Source:          src,
		DB:              testDB(t),
		RefreshInterval: time.Minute,
	})
	require.NoError(t, err)

	waitCycle := func() {
		t.Helper()
		select {
		case <-cycles:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for cycle")
		}
	}

	p.Start(ctx)
	waitCycle()
	require.NoError(t, p.WaitReady(ctx))

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	waitCycle()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	p.Trigger()
	waitCycle()

	cancel()
	select {
	case <-cycles:
		t.Fatal("unexpected cycle after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJobUsage_Ingest_LocalSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"2024/05/a.arrow", "2024/06/b.arrow", "2024/06/notes.txt", "c.arrow"} {
		writeUsageFile(t, filepath.Join(dir, name), baseTime)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "2024", "dir.arrow"), 0o755))

	src, err := NewLocalSource(filepath.Join(dir, "2024", "**", "*.arrow"))
	require.NoError(t, err)
	files, err := src.ListFiles(t.Context())
	require.NoError(t, err)

	names := make([]string, 0, len(files))
	for _, f := range files {
		rel, err := filepath.Rel(dir, f.Name)
		require.NoError(t, err)
		names = append(names, filepath.ToSlash(rel))
		require.True(t, f.Modified.Equal(baseTime))
	}
	require.True(t, sort.StringsAreSorted(names))
	require.Equal(t, []string{"2024/05/a.arrow", "2024/06/b.arrow"}, names)

	path, release, err := src.FetchLocalCopy(t.Context(), files[0].Name)
	require.NoError(t, err)
	release()
	require.Equal(t, files[0].Name, path)
	require.FileExists(t, path)
}
