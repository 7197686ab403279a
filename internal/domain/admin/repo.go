package admin

import "context"

// TableRepository lists and empties the application's tables.
type TableRepository interface {
	// ListTables returns every application table, excluding migration
	// bookkeeping.
	ListTables(ctx context.Context) ([]string, error)
	Truncate(ctx context.Context, tables []string) error
}
