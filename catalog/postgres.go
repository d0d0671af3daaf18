package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgConn is the subset of pgx used by the catalog. Both *pgx.Conn and
// *pgxpool.Pool satisfy it.
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresCatalog keeps table pointers in a Postgres table and advances them
// with a conditional UPDATE.
type PostgresCatalog struct {
	conn  pgConn
	table string
}

const defaultPointerTable = "arctic_tables"

func NewPostgresCatalog(ctx context.Context, dsn string) (*PostgresCatalog, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres catalog: %w", err)
	}
	c := &PostgresCatalog{conn: pool, table: defaultPointerTable}
	if err := c.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the connection pool, if the catalog owns one.
func (c *PostgresCatalog) Close() {
	if pool, ok := c.conn.(*pgxpool.Pool); ok {
		pool.Close()
	}
}

func (c *PostgresCatalog) ensureTable(ctx context.Context) error {
	_, err := c.conn.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            table_name          TEXT PRIMARY KEY,
            current_snapshot_id BIGINT NOT NULL DEFAULT 0,
            updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
        )`, c.table))
	if err != nil {
		return fmt.Errorf("creating catalog table: %w", err)
	}
	return nil
}

func (c *PostgresCatalog) LoadCurrent(ctx context.Context, table string) (int64, error) {
	var id int64
	err := c.conn.QueryRow(ctx,
		fmt.Sprintf(`SELECT current_snapshot_id FROM %s WHERE table_name = $1`, c.table),
		table,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loading current snapshot of %s: %w", table, err)
	}
	return id, nil
}

func (c *PostgresCatalog) CASAdvance(ctx context.Context, table string, expected, next int64) (bool, error) {
	if expected == 0 {
		tag, err := c.conn.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (table_name, current_snapshot_id) VALUES ($1, $2)
                ON CONFLICT (table_name) DO UPDATE SET current_snapshot_id = EXCLUDED.current_snapshot_id, updated_at = now()
                WHERE %s.current_snapshot_id = 0`, c.table, c.table),
			table, next,
		)
		if err != nil {
			return false, fmt.Errorf("creating pointer for %s: %w", table, err)
		}
		return tag.RowsAffected() == 1, nil
	}

	tag, err := c.conn.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET current_snapshot_id = $3, updated_at = now()
            WHERE table_name = $1 AND current_snapshot_id = $2`, c.table),
		table, expected, next,
	)
	if err != nil {
		return false, fmt.Errorf("advancing pointer of %s: %w", table, err)
	}
	return tag.RowsAffected() == 1, nil
}
