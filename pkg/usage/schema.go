package usage

import (
	"context"
	"fmt"

	"github.com/malbeclabs/jobusage/pkg/duck"
)

const (
	FactsTable          = "usage_facts"
	ProcessedFilesTable = "processed_files"
	processedFilesSeq   = "processed_files_id_seq"
)

// FactTableConfig describes the hourly usage fact table. Every fact carries
// the id of the processed file it was loaded from.
func FactTableConfig() duck.FactTableConfig {
	return duck.FactTableConfig{
		TableName: FactsTable,
		Columns: []string{
			"file_id:BIGINT NOT NULL",
			"cluster:VARCHAR NOT NULL",
			"user_name:VARCHAR NOT NULL",
			"job_type:VARCHAR NOT NULL",
			"status:VARCHAR NOT NULL",
			"excess:BOOLEAN NOT NULL",
			"time_ms:BIGINT NOT NULL",
			"started:BIGINT NOT NULL",
			"finished:BIGINT NOT NULL",
			"elapsed_minutes:DOUBLE NOT NULL",
			"cpu_minutes:DOUBLE",
			"spilled_records:BIGINT",
			"reduce_shuffle_bytes:BIGINT",
		},
	}
}

// ProcessedFilesTableConfig describes the registry of loaded source files.
func ProcessedFilesTableConfig() duck.FactTableConfig {
	return duck.FactTableConfig{
		TableName: ProcessedFilesTable,
		Columns: []string{
			fmt.Sprintf("id:BIGINT DEFAULT nextval('%s')", processedFilesSeq),
			"file_name:VARCHAR NOT NULL",
			"modified_ms:BIGINT NOT NULL",
			"completed:BOOLEAN NOT NULL DEFAULT false",
		},
	}
}

// CreateSchema creates the registry and fact tables if they don't exist.
func CreateSchema(ctx context.Context, db duck.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s START 1", processedFilesSeq)); err != nil {
		return fmt.Errorf("failed to create sequence: %w", err)
	}
	if err := duck.CreateFactTable(ctx, conn, ProcessedFilesTableConfig(), "PRIMARY KEY (id)", "UNIQUE (file_name)"); err != nil {
		return err
	}
	if err := duck.CreateFactTable(ctx, conn, FactTableConfig()); err != nil {
		return err
	}
	return nil
}
