package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/jobusage/pkg/cube"
	"github.com/malbeclabs/jobusage/pkg/duck"
	"github.com/malbeclabs/jobusage/pkg/timebucket"
)

// HourlyUsage is the sum of a user's facts for one hour.
type HourlyUsage struct {
	User     string
	Time     int64
	Measures cube.Measures
}

// Store is the read side of the fact store.
type Store interface {
	Clusters(ctx context.Context) ([]string, error)
	Users(ctx context.Context, cluster string) ([]string, error)
	// TimeRange returns the earliest and latest fact hour for the cluster.
	// The range is empty when the cluster has no facts.
	TimeRange(ctx context.Context, cluster string) (timebucket.Range, error)
	HourlyUsage(ctx context.Context, cluster string, filter Filter) ([]HourlyUsage, error)
}

// DBStore reads facts from DuckDB. Only facts of completely loaded files are
// visible.
type DBStore struct {
	log *slog.Logger
	db  duck.DB
}

func NewDBStore(log *slog.Logger, db duck.DB) *DBStore {
	return &DBStore{log: log, db: db}
}

var completedFiles = fmt.Sprintf("file_id IN (SELECT id FROM %s WHERE completed)", ProcessedFilesTable)

func (s *DBStore) Clusters(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT cluster FROM %s WHERE %s ORDER BY cluster`, FactsTable, completedFiles)
	return s.queryStrings(ctx, query)
}

func (s *DBStore) Users(ctx context.Context, cluster string) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT user_name FROM %s WHERE cluster = ? AND %s ORDER BY user_name`, FactsTable, completedFiles)
	return s.queryStrings(ctx, query, cluster)
}

func (s *DBStore) TimeRange(ctx context.Context, cluster string) (timebucket.Range, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return timebucket.Range{}, err
	}
	defer conn.Close()

	query := fmt.Sprintf(`SELECT MIN(time_ms), MAX(time_ms) FROM %s WHERE cluster = ? AND %s`, FactsTable, completedFiles)
	var lo, hi sql.NullInt64
	if err := conn.QueryRowContext(ctx, query, cluster).Scan(&lo, &hi); err != nil {
		return timebucket.Range{}, fmt.Errorf("failed to query time range: %w", err)
	}
	if !lo.Valid || !hi.Valid {
		return timebucket.Range{Start: 1, End: 0}, nil
	}
	return timebucket.Range{Start: lo.Int64, End: hi.Int64}, nil
}

func (s *DBStore) HourlyUsage(ctx context.Context, cluster string, filter Filter) ([]HourlyUsage, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	where := []string{"cluster = ?", completedFiles}
	args := []any{cluster}
	if filter.JobType != "" {
		where = append(where, "job_type = ?")
		args = append(args, filter.JobType)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.ExcessOnly {
		where = append(where, "excess")
	}

	query := fmt.Sprintf(`SELECT user_name, time_ms,
			CAST(SUM(elapsed_minutes) AS DOUBLE),
			CAST(SUM(cpu_minutes) AS DOUBLE),
			CAST(SUM(started) AS DOUBLE),
			CAST(SUM(finished) AS DOUBLE),
			CAST(SUM(reduce_shuffle_bytes) AS DOUBLE)
		FROM %s
		WHERE %s
		GROUP BY user_name, time_ms
		ORDER BY user_name, time_ms`, FactsTable, strings.Join(where, " AND "))

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly usage: %w", err)
	}
	defer rows.Close()

	var out []HourlyUsage
	for rows.Next() {
		var (
			h                                         HourlyUsage
			elapsed, cpu, started, finished, shuffled sql.NullFloat64
		)
		if err := rows.Scan(&h.User, &h.Time, &elapsed, &cpu, &started, &finished, &shuffled); err != nil {
			return nil, fmt.Errorf("failed to scan hourly usage: %w", err)
		}
		h.Measures = make(cube.Measures, 5)
		for name, v := range map[string]sql.NullFloat64{
			MeasureElapsedMinutes:     elapsed,
			MeasureCPUMinutes:         cpu,
			MeasureStarted:            started,
			MeasureFinished:           finished,
			MeasureReduceShuffleBytes: shuffled,
		} {
			if v.Valid {
				h.Measures[name] = v.Float64
			}
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read hourly usage: %w", err)
	}
	s.log.Debug("usage: hourly usage loaded", "cluster", cluster, "filter", filter.String(), "rows", len(out))
	return out, nil
}

func (s *DBStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
