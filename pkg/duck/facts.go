package duck

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// FactTableConfig holds configuration for fact table ingestion
type FactTableConfig struct {
	// TableName is the name of the fact table
	TableName string
	// Columns defines all columns in the fact table (in order)
	// Each column is a name:type pair, e.g., "time_ms:BIGINT", "user_name:VARCHAR"
	Columns []string
}

// TextNotNullColumns returns the names of VARCHAR NOT NULL columns. Empty
// CSV fields in these columns are empty strings, never NULL.
func (cfg FactTableConfig) TextNotNullColumns() ([]string, error) {
	var names []string
	for _, col := range cfg.Columns {
		name, typ, err := splitColumn(col)
		if err != nil {
			return nil, err
		}
		typ = strings.ToUpper(typ)
		if strings.HasPrefix(typ, "VARCHAR") && strings.Contains(typ, "NOT NULL") {
			names = append(names, name)
		}
	}
	return names, nil
}

// ColumnNames returns the column names in order.
func (cfg FactTableConfig) ColumnNames() ([]string, error) {
	names := make([]string, 0, len(cfg.Columns))
	for _, col := range cfg.Columns {
		name, _, err := splitColumn(col)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// InsertFactsViaCSV appends count rows to an existing fact table in a single
// transaction:
// - Writes the rows to a temporary CSV file
// - Loads the CSV into a connection-local staging table
// - Inserts all staged rows into the fact table
//
// Transaction conflicts are retried with the same CSV file.
func InsertFactsViaCSV(
	ctx context.Context,
	log *slog.Logger,
	conn Connection,
	cfg FactTableConfig,
	count int,
	writeCSVFn func(*csv.Writer, int) error,
) error {
	ingestStart := time.Now()
	defer func() {
		log.Debug("duck: fact insert completed",
			"table", cfg.TableName,
			"rows", count,
			"duration", time.Since(ingestStart).String())
	}()

	colNames, err := cfg.ColumnNames()
	if err != nil {
		return err
	}
	if len(colNames) == 0 {
		return fmt.Errorf("columns cannot be empty")
	}
	if count == 0 {
		return nil
	}
	notNull, err := cfg.TextNotNullColumns()
	if err != nil {
		return err
	}
	copyOpts := "FORMAT CSV, HEADER false"
	if len(notNull) > 0 {
		copyOpts += fmt.Sprintf(", FORCE_NOT_NULL (%s)", strings.Join(notNull, ", "))
	}

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("%s_facts_*.csv", cfg.TableName))
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	csvWriter := csv.NewWriter(tmpFile)
	for i := range count {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during CSV writing: %w", ctx.Err())
		default:
		}

		if err := writeCSVFn(csvWriter, i); err != nil {
			return fmt.Errorf("failed to write CSV row %d: %w", i, err)
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}

	db := conn.DB()
	stageTableName := fmt.Sprintf("%s_stage", cfg.TableName)
	colList := strings.Join(colNames, ", ")

	return RetryOnConflict(ctx, log, fmt.Sprintf("fact table %s", cfg.TableName), func() error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for %s: %w", cfg.TableName, err)
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Error("duck: failed to rollback transaction", "table", cfg.TableName, "error", err)
			}
		}()

		if err := createStageTableForFacts(ctx, tx, colNames, stageTableName); err != nil {
			return fmt.Errorf("failed to create stage table: %w", err)
		}

		copySQL := fmt.Sprintf("COPY %s FROM '%s' (%s)", stageTableName, strings.ReplaceAll(tmpFile.Name(), "'", "''"), copyOpts)
		if _, err := tx.ExecContext(ctx, copySQL); err != nil {
			return fmt.Errorf("failed to COPY FROM CSV: %w", err)
		}

		insertSQL := fmt.Sprintf(`INSERT INTO %s.%s.%s (%s)
			SELECT %s FROM %s`,
			db.Catalog(), db.Schema(), cfg.TableName,
			colList,
			colList,
			stageTableName)
		if _, err := tx.ExecContext(ctx, insertSQL); err != nil {
			return fmt.Errorf("failed to insert into fact table: %w", err)
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", stageTableName)); err != nil {
			log.Error("duck: failed to drop stage table", "error", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// CreateFactTable creates the fact table if it doesn't exist. Extra table
// constraints, such as a primary key, may be appended after the columns.
func CreateFactTable(
	ctx context.Context,
	conn Connection,
	cfg FactTableConfig,
	constraints ...string,
) error {
	db := conn.DB()

	colDefs := make([]string, 0, len(cfg.Columns)+len(constraints))
	for _, col := range cfg.Columns {
		name, typ, err := splitColumn(col)
		if err != nil {
			return err
		}
		colDefs = append(colDefs, fmt.Sprintf("%s %s", name, typ))
	}
	colDefs = append(colDefs, constraints...)

	createSQL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s.%s (
		%s
	)`,
		db.Catalog(), db.Schema(), cfg.TableName,
		strings.Join(colDefs, ",\n\t\t"))

	if _, err := conn.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create fact table %s: %w", cfg.TableName, err)
	}
	return nil
}

// createStageTableForFacts creates a connection-local staging table. Every
// column is VARCHAR; DuckDB converts types on INSERT.
func createStageTableForFacts(
	ctx context.Context,
	tx *sql.Tx,
	colNames []string,
	stageTableName string,
) error {
	colDefs := make([]string, 0, len(colNames))
	for _, name := range colNames {
		colDefs = append(colDefs, fmt.Sprintf("%s VARCHAR", name))
	}

	createSQL := fmt.Sprintf(`CREATE OR REPLACE TEMP TABLE %s (
		%s
	)`,
		stageTableName,
		strings.Join(colDefs, ",\n\t\t"))

	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create stage table: %w", err)
	}
	return nil
}

func splitColumn(col string) (string, string, error) {
	parts := strings.SplitN(col, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid column definition %q: expected format 'name:type'", col)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}
