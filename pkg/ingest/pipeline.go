package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/jobusage/pkg/duck"
	"github.com/malbeclabs/jobusage/pkg/metrics"
	"github.com/malbeclabs/jobusage/pkg/usage"
	"github.com/malbeclabs/jobusage/pkg/usagefile"
)

const (
	defaultRefreshInterval = 5 * time.Minute
	defaultConcurrency     = 4
	defaultBatchSize       = 1000
)

type PipelineConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Source Source
	DB     duck.DB
	// Invalidator is told when a cycle changed the fact store. Optional.
	Invalidator     Invalidator
	RefreshInterval time.Duration
	Concurrency     int
	BatchSize       int
}

func (cfg *PipelineConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.DB == nil {
		return errors.New("database is required")
	}
	if cfg.RefreshInterval < 0 {
		return errors.New("refresh interval must not be negative")
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// CycleResult summarizes one ingestion cycle.
type CycleResult struct {
	Listed  int
	Removed int
	Stale   int
	Loaded  int
	Failed  int
	Facts   int64
}

// Changed reports whether the cycle modified the fact store.
func (r CycleResult) Changed() bool {
	return r.Removed > 0 || r.Stale > 0 || r.Loaded > 0
}

// Pipeline periodically loads new and changed source files into the fact
// store and drops facts of removed ones.
type Pipeline struct {
	log      *slog.Logger
	cfg      PipelineConfig
	registry *Registry

	triggerCh chan struct{}
	readyOnce sync.Once
	readyCh   chan struct{}
	cycleMu   sync.Mutex
}

func NewPipeline(ctx context.Context, cfg PipelineConfig) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := usage.CreateSchema(ctx, cfg.DB); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Pipeline{
		log:       cfg.Logger,
		cfg:       cfg,
		registry:  NewRegistry(cfg.Logger, cfg.DB),
		triggerCh: make(chan struct{}, 1),
		readyCh:   make(chan struct{}),
	}, nil
}

func (p *Pipeline) Ready() bool {
	select {
	case <-p.readyCh:
		return true
	default:
		return false
	}
}

func (p *Pipeline) WaitReady(ctx context.Context) error {
	select {
	case <-p.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for ingestion: %w", ctx.Err())
	}
}

// Trigger requests a cycle as soon as the running one, if any, finishes.
func (p *Pipeline) Trigger() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

// Start runs a cycle immediately and then every RefreshInterval until ctx is
// done.
func (p *Pipeline) Start(ctx context.Context) {
	go func() {
		p.log.Info("ingest: starting refresh loop", "interval", p.cfg.RefreshInterval, "concurrency", p.cfg.Concurrency)
		for {
			if _, err := p.RunCycle(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				p.log.Error("ingest: cycle failed", "error", err)
			}

			timer := p.cfg.Clock.NewTimer(p.cfg.RefreshInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.Chan():
			case <-p.triggerCh:
				timer.Stop()
				p.log.Debug("ingest: cycle triggered")
			}
		}
	}()
}

// RunCycle reconciles the registry with the source listing and loads every
// outstanding file. Per-file failures are counted in the result; the error is
// reserved for failures that prevent the cycle from running.
func (p *Pipeline) RunCycle(ctx context.Context) (res CycleResult, err error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	start := p.cfg.Clock.Now()
	defer func() {
		duration := p.cfg.Clock.Since(start)
		metrics.IngestCycleDuration.Observe(duration.Seconds())
		result := "success"
		if err != nil {
			result = "error"
		}
		metrics.IngestCycles.WithLabelValues(result).Inc()
		if res.Changed() && p.cfg.Invalidator != nil {
			p.cfg.Invalidator.InvalidateCache()
		}
		p.log.Info("ingest: cycle completed", "duration", duration.String(), "listed", res.Listed,
			"removed", res.Removed, "stale", res.Stale, "loaded", res.Loaded, "failed", res.Failed, "facts", res.Facts)
	}()

	hooks, _ := p.cfg.Source.(CycleHooks)
	if hooks != nil {
		if err := hooks.BeforeCycle(ctx); err != nil {
			return res, fmt.Errorf("before cycle hook failed: %w", err)
		}
	}

	files, err := p.cfg.Source.ListFiles(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list source files: %w", err)
	}
	res.Listed = len(files)

	pending, err := p.reconcile(ctx, files, &res)
	if err != nil {
		return res, err
	}
	if len(pending) > 0 {
		p.loadAll(ctx, pending, &res)
	}

	if hooks != nil {
		if err := hooks.AfterCycle(ctx); err != nil {
			return res, fmt.Errorf("after cycle hook failed: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	p.readyOnce.Do(func() {
		close(p.readyCh)
		p.log.Info("ingest: initial cycle completed")
	})
	return res, nil
}

// reconcile drops registry rows for files that disappeared, changed, or were
// never completed, and returns the files that need loading.
func (p *Pipeline) reconcile(ctx context.Context, files []FileInfo, res *CycleResult) ([]FileInfo, error) {
	known, err := p.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := p.cfg.DB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	listed := make(map[string]struct{}, len(files))
	var pending []FileInfo
	for _, f := range files {
		listed[f.Name] = struct{}{}
		row, ok := known[f.Name]
		if !ok {
			pending = append(pending, f)
			continue
		}
		if row.Completed && row.ModifiedMs == f.Modified.UnixMilli() {
			continue
		}
		p.log.Info("ingest: reprocessing file", "file", f.Name, "completed", row.Completed,
			"registered_modified", row.ModifiedMs, "modified", f.Modified.UnixMilli())
		if err := p.registry.Delete(ctx, conn, row.ID); err != nil {
			p.log.Error("ingest: failed to drop stale file", "file", f.Name, "error", err)
			res.Failed++
			metrics.IngestFiles.WithLabelValues("failed").Inc()
			continue
		}
		res.Stale++
		metrics.IngestFiles.WithLabelValues("stale").Inc()
		pending = append(pending, f)
	}

	for name, row := range known {
		if _, ok := listed[name]; ok {
			continue
		}
		if err := p.registry.Delete(ctx, conn, row.ID); err != nil {
			p.log.Error("ingest: failed to drop removed file", "file", name, "error", err)
			continue
		}
		p.log.Info("ingest: dropped removed file", "file", name)
		res.Removed++
		metrics.IngestFiles.WithLabelValues("removed").Inc()
	}
	return pending, nil
}

// loadAll loads files on a bounded pool. A failed file never stops its
// siblings.
func (p *Pipeline) loadAll(ctx context.Context, files []FileInfo, res *CycleResult) {
	pool := pond.NewPool(p.cfg.Concurrency, pond.WithContext(ctx))
	defer pool.StopAndWait()

	var done, loaded, failed atomic.Int64
	var facts atomic.Int64
	total := int64(len(files))
	step := max(total/10, 1)

	tasks := make([]pond.Task, 0, len(files))
	for _, f := range files {
		tasks = append(tasks, pool.SubmitErr(func() error {
			metrics.IngestFilesInFlight.Inc()
			defer metrics.IngestFilesInFlight.Dec()

			n, err := p.loadFile(ctx, f)
			if err != nil {
				failed.Add(1)
				metrics.IngestFiles.WithLabelValues("failed").Inc()
				p.log.Error("ingest: failed to load file", "file", f.Name, "error", err)
			} else {
				loaded.Add(1)
				facts.Add(n)
				metrics.IngestFiles.WithLabelValues("loaded").Inc()
				metrics.IngestFactsInserted.Add(float64(n))
			}
			if d := done.Add(1); d%step == 0 || d == total {
				p.log.Info("ingest: progress", "done", d, "total", total, "failed", failed.Load())
			}
			return err
		}))
	}
	for _, t := range tasks {
		_ = t.Wait()
	}

	res.Loaded += int(loaded.Load())
	// Tasks dropped by a cancelled pool never ran.
	res.Failed += int(total - loaded.Load())
	res.Facts += facts.Load()
}

// loadFile registers the file, inserts its facts in batches and marks it
// completed. On any error the registry row and the facts already inserted are
// removed.
func (p *Pipeline) loadFile(ctx context.Context, f FileInfo) (n int64, err error) {
	path, release, err := p.cfg.Source.FetchLocalCopy(ctx, f.Name)
	if err != nil {
		return 0, err
	}
	defer release()

	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	conn, err := p.cfg.DB.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	id, err := p.registry.Insert(ctx, conn, f.Name, f.Modified.UnixMilli())
	if err != nil {
		return 0, err
	}
	defer func() {
		if err == nil {
			return
		}
		if derr := p.registry.Delete(context.WithoutCancel(ctx), conn, id); derr != nil {
			p.log.Error("ingest: failed to clean up file", "file", f.Name, "id", id, "error", derr)
		}
	}()

	reader, err := usagefile.NewReader(file)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	defer reader.Release()

	table := usage.FactTableConfig()
	batch := make([]usagefile.Record, 0, p.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := duck.InsertFactsViaCSV(ctx, p.log, conn, table, len(batch), func(w *csv.Writer, i int) error {
			return w.Write(factRow(id, batch[i]))
		})
		if err != nil {
			return err
		}
		n += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	for reader.Next() {
		batch = append(batch, reader.Record())
		if len(batch) == p.cfg.BatchSize {
			if err := flush(); err != nil {
				return 0, fmt.Errorf("failed to insert facts of %s: %w", f.Name, err)
			}
		}
	}
	if err := reader.Err(); err != nil {
		return 0, fmt.Errorf("failed to decode %s: %w", f.Name, err)
	}
	if err := flush(); err != nil {
		return 0, fmt.Errorf("failed to insert facts of %s: %w", f.Name, err)
	}
	if err := p.registry.MarkCompleted(ctx, conn, id); err != nil {
		return 0, err
	}

	p.log.Debug("ingest: file loaded", "file", f.Name, "id", id, "facts", n, "batches", reader.Batches())
	return n, nil
}

// factRow renders a record in usage.FactTableConfig column order. Empty
// fields load as NULL.
func factRow(fileID int64, r usagefile.Record) []string {
	return []string{
		strconv.FormatInt(fileID, 10),
		r.Cluster,
		r.User,
		strings.ToUpper(r.Type),
		strings.ToUpper(r.Status),
		strconv.FormatBool(r.Excess),
		strconv.FormatInt(r.Time, 10),
		strconv.FormatInt(r.Started, 10),
		strconv.FormatInt(r.Finished, 10),
		strconv.FormatFloat(r.ElapsedMinutes, 'g', -1, 64),
		optFloat(r.CPUMinutes),
		optInt(r.SpilledRecords),
		optInt(r.ReduceShuffleBytes),
	}
}

func optFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

func optInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
