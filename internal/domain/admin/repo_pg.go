package admin

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/preauth/internal/platform/db"
)

type tableRepoPG struct {
	pool *pgxpool.Pool
}

func NewTableRepo(pool *pgxpool.Pool) TableRepository {
	return &tableRepoPG{pool: pool}
}

func (r *tableRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// Migration history for the SQL migrator is kept so the schema is not
// re-applied over existing tables. River's own tables belong to the
// running job queue and are left alone.
func (r *tableRepoPG) ListTables(ctx context.Context) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> '_migrations' AND tablename NOT LIKE 'river\_%'
		ORDER BY tablename`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (r *tableRepoPG) Truncate(ctx context.Context, tables []string) error {
	quoted := make([]string, len(tables))
	for i, t := range tables {
		quoted[i] = pgx.Identifier{t}.Sanitize()
	}
	// CASCADE takes care of foreign key order.
	_, err := r.conn(ctx).Exec(ctx, `TRUNCATE TABLE `+strings.Join(quoted, ", ")+` RESTART IDENTITY CASCADE`)
	if err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}
