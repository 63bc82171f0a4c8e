package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/jobusage/pkg/duck"
	"github.com/malbeclabs/jobusage/pkg/usage"
)

// ProcessedFile is a registry row for a source file whose facts are (or are
// being) loaded.
type ProcessedFile struct {
	ID         int64
	Name       string
	ModifiedMs int64
	Completed  bool
}

// Registry tracks which source files have been loaded into the fact store.
type Registry struct {
	log *slog.Logger
	db  duck.DB
}

func NewRegistry(log *slog.Logger, db duck.DB) *Registry {
	return &Registry{log: log, db: db}
}

// List returns every registry row keyed by file name.
func (r *Registry) List(ctx context.Context) (map[string]ProcessedFile, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, file_name, modified_ms, completed FROM %s`, usage.ProcessedFilesTable))
	if err != nil {
		return nil, fmt.Errorf("failed to list processed files: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ProcessedFile)
	for rows.Next() {
		var f ProcessedFile
		if err := rows.Scan(&f.ID, &f.Name, &f.ModifiedMs, &f.Completed); err != nil {
			return nil, fmt.Errorf("failed to scan processed file: %w", err)
		}
		out[f.Name] = f
	}
	return out, rows.Err()
}

// Insert registers an incomplete row for the file and returns its id.
func (r *Registry) Insert(ctx context.Context, conn duck.Connection, name string, modifiedMs int64) (int64, error) {
	var id int64
	err := conn.QueryRowContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (file_name, modified_ms, completed) VALUES (?, ?, false) RETURNING id`,
		usage.ProcessedFilesTable), name, modifiedMs).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to register %s: %w", name, err)
	}
	return id, nil
}

// MarkCompleted flags the row as fully loaded, making its facts visible to
// queries.
func (r *Registry) MarkCompleted(ctx context.Context, conn duck.Connection, id int64) error {
	return duck.RetryOnConflict(ctx, r.log, "mark file completed", func() error {
		res, err := conn.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET completed = true WHERE id = ?`, usage.ProcessedFilesTable), id)
		if err != nil {
			return fmt.Errorf("failed to mark file %d completed: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("processed file %d not found", id)
		}
		return nil
	})
}

// Delete removes the row and every fact loaded from it in one transaction.
func (r *Registry) Delete(ctx context.Context, conn duck.Connection, id int64) error {
	return duck.RetryOnConflict(ctx, r.log, "delete processed file", func() error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				r.log.Error("ingest: failed to rollback transaction", "error", err)
			}
		}()

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE file_id = ?`, usage.FactsTable), id); err != nil {
			return fmt.Errorf("failed to delete facts of file %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, usage.ProcessedFilesTable), id); err != nil {
			return fmt.Errorf("failed to delete processed file %d: %w", id, err)
		}
		return tx.Commit()
	})
}
