package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/fwdcache/fwdcache-srv/logger"
)

// ColumnType represents the type of a database column
type ColumnType string

const (
	ColumnTypeSerial    ColumnType = "SERIAL"    // auto-increment primary key
	ColumnTypeInteger   ColumnType = "INTEGER"   // SQLite/PostgreSQL integer
	ColumnTypeBigint    ColumnType = "BIGINT"    // Large integers
	ColumnTypeText      ColumnType = "TEXT"      // Text/VARCHAR
	ColumnTypeTimestamp ColumnType = "TIMESTAMP" // point in time
)

// ColumnDefinition defines a database column
type ColumnDefinition struct {
	Name       string
	Type       ColumnType
	NotNull    bool
	PrimaryKey bool
	Check      string // CHECK expression, without the keyword
	References *ForeignKey
}

// ForeignKey defines a foreign key relationship
type ForeignKey struct {
	Table  string
	Column string
}

// IndexDefinition defines a database index
type IndexDefinition struct {
	Name    string
	Table   string
	Columns []string
	Unique  bool
}

// TableDefinition defines a complete database table
type TableDefinition struct {
	Name    string
	Columns []ColumnDefinition
	Indexes []IndexDefinition
}

// Schema is an ordered list of tables; referenced tables come first.
type Schema struct {
	Tables []TableDefinition
}

// LogSchema returns the request log and filter tables.
func LogSchema() *Schema {
	return &Schema{
		Tables: []TableDefinition{
			{
				Name: "requests",
				Columns: []ColumnDefinition{
					{Name: "id", Type: ColumnTypeSerial, PrimaryKey: true},
					{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
					{Name: "client_ip", Type: ColumnTypeText, NotNull: true},
					{Name: "client_port", Type: ColumnTypeInteger, NotNull: true},
					{Name: "target_host", Type: ColumnTypeText, NotNull: true},
					{Name: "target_port", Type: ColumnTypeInteger, NotNull: true},
					{Name: "method", Type: ColumnTypeText, NotNull: true},
					{Name: "url", Type: ColumnTypeText, NotNull: true},
					{Name: "protocol", Type: ColumnTypeText, NotNull: true},
					{Name: "status", Type: ColumnTypeInteger},
					{Name: "error_message", Type: ColumnTypeText},
				},
				Indexes: []IndexDefinition{
					{Name: "idx_requests_target_host", Table: "requests", Columns: []string{"target_host"}},
				},
			},
			{
				Name: "responses",
				Columns: []ColumnDefinition{
					{Name: "id", Type: ColumnTypeSerial, PrimaryKey: true},
					{Name: "request_id", Type: ColumnTypeBigint, NotNull: true, References: &ForeignKey{Table: "requests", Column: "id"}},
					{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
					{Name: "cache_status", Type: ColumnTypeText, Check: "cache_status IN ('HIT', 'MISS')"},
					{Name: "response_status", Type: ColumnTypeInteger},
					{Name: "response_content_type", Type: ColumnTypeText},
					{Name: "response_size", Type: ColumnTypeBigint},
					{Name: "response_time_ms", Type: ColumnTypeBigint},
				},
				Indexes: []IndexDefinition{
					{Name: "idx_responses_request_id", Table: "responses", Columns: []string{"request_id"}},
				},
			},
			{
				Name: "filters",
				Columns: []ColumnDefinition{
					{Name: "id", Type: ColumnTypeSerial, PrimaryKey: true},
					{Name: "address", Type: ColumnTypeText, NotNull: true},
					{Name: "type", Type: ColumnTypeText, NotNull: true, Check: "type IN ('blacklist', 'whitelist')"},
				},
				Indexes: []IndexDefinition{
					{Name: "idx_filters_address_type", Table: "filters", Columns: []string{"address", "type"}, Unique: true},
				},
			},
		},
	}
}

// InitSchema creates every table and index of schema that does not exist yet.
func (d *DB) InitSchema(ctx context.Context, schema *Schema) error {
	for _, table := range schema.Tables {
		query := d.CreateTableSQL(table)
		logger.Debug("Creating table %s with SQL: %s", table.Name, query)
		if _, err := d.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute CREATE TABLE for %s: %w", table.Name, err)
		}

		for _, index := range table.Indexes {
			if _, err := d.Exec(ctx, createIndexSQL(index)); err != nil {
				return fmt.Errorf("failed to create index %s: %w", index.Name, err)
			}
		}
	}
	return nil
}

// CreateTableSQL renders the CREATE TABLE statement for the DB's dialect.
func (d *DB) CreateTableSQL(table TableDefinition) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n", table.Name))

	columnDefs := make([]string, 0, len(table.Columns))
	for _, column := range table.Columns {
		columnDefs = append(columnDefs, "  "+d.columnSQL(column))
	}

	builder.WriteString(strings.Join(columnDefs, ",\n"))
	builder.WriteString("\n)")

	return builder.String()
}

func (d *DB) columnSQL(column ColumnDefinition) string {
	parts := []string{column.Name}

	switch {
	case column.Type == ColumnTypeSerial && d.driver == DriverPostgres:
		parts = append(parts, "BIGSERIAL PRIMARY KEY")
	case column.Type == ColumnTypeSerial:
		parts = append(parts, "INTEGER PRIMARY KEY AUTOINCREMENT")
	case column.Type == ColumnTypeTimestamp && d.driver == DriverSQLite:
		parts = append(parts, "DATETIME")
	default:
		parts = append(parts, string(column.Type))
		if column.PrimaryKey {
			parts = append(parts, "PRIMARY KEY")
		}
	}

	if column.NotNull && !column.PrimaryKey {
		parts = append(parts, "NOT NULL")
	}
	if column.Check != "" {
		parts = append(parts, fmt.Sprintf("CHECK (%s)", column.Check))
	}
	if column.References != nil {
		parts = append(parts, fmt.Sprintf("REFERENCES %s(%s)", column.References.Table, column.References.Column))
	}

	return strings.Join(parts, " ")
}

func createIndexSQL(index IndexDefinition) string {
	unique := ""
	if index.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
		unique, index.Name, index.Table, strings.Join(index.Columns, ", "))
}
