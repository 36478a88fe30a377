package repository

import (
	"context"
	"fmt"
	"log/slog"

	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

const (
	jobsTableName  = "jobs"
	itemsTableName = "items"
)

var (
	// JobsColumns holds the columns for the "jobs" table.
	JobsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString, Unique: true, Size: 64},
		{Name: "status", Type: field.TypeString, Size: 16, Default: "pending"},
		{Name: "total_items", Type: field.TypeInt, Default: 0},
		{Name: "processed_items", Type: field.TypeInt, Default: 0},
		{Name: "source_path", Type: field.TypeString},
		{Name: "source_name", Type: field.TypeString},
		{Name: "source_hash", Type: field.TypeString, Nullable: true},
		{Name: "callback_url", Type: field.TypeString, Nullable: true},
		{Name: "output_ref", Type: field.TypeString, Nullable: true},
		{Name: "error_message", Type: field.TypeString, Nullable: true},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "updated_at", Type: field.TypeTime},
	}
	// JobsTable holds the schema information for the "jobs" table.
	JobsTable = &schema.Table{
		Name:       jobsTableName,
		Columns:    JobsColumns,
		PrimaryKey: []*schema.Column{JobsColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "job_status_created_at",
				Unique:  false,
				Columns: []*schema.Column{JobsColumns[1], JobsColumns[10]},
			},
		},
	}
	// ItemsColumns holds the columns for the "items" table.
	ItemsColumns = []*schema.Column{
		{Name: "job_id", Type: field.TypeString, Size: 64},
		{Name: "ordinal", Type: field.TypeInt},
		{Name: "serial_number", Type: field.TypeString},
		{Name: "product_name", Type: field.TypeString},
		{Name: "input_urls", Type: field.TypeString, Size: 2147483647},
		{Name: "output_urls", Type: field.TypeString, Size: 2147483647},
		{Name: "status", Type: field.TypeString, Size: 16, Default: "pending"},
		{Name: "updated_at", Type: field.TypeTime},
	}
	// ItemsTable holds the schema information for the "items" table.
	ItemsTable = &schema.Table{
		Name:       itemsTableName,
		Columns:    ItemsColumns,
		PrimaryKey: []*schema.Column{ItemsColumns[0], ItemsColumns[1]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "items_jobs_items",
				Columns:    []*schema.Column{ItemsColumns[0]},
				RefColumns: []*schema.Column{JobsColumns[0]},
				OnDelete:   schema.Cascade,
			},
		},
	}
	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		JobsTable,
		ItemsTable,
	}
)

func init() {
	ItemsTable.ForeignKeys[0].RefTable = JobsTable
}

// Migrate creates or updates the jobs and items tables.
func (c *Client) Migrate(ctx context.Context, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	m, err := schema.NewMigrate(c.Driver)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	if err := m.Create(ctx, Tables...); err != nil {
		logger.Error("schema migration failed", "error", err)
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("schema migrated", "tables", len(Tables))
	return nil
}
