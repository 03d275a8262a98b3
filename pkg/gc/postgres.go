package gc

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Databases lists and drops the per-build databases of the host.
type Databases interface {
	List(ctx context.Context) ([]string, error)
	Drop(ctx context.Context, name string) error
}

// Compile-time interface check.
var _ Databases = (*pgDatabases)(nil)

type pgDatabases struct {
	dsn string
}

// NewPostgresDatabases manages databases through an admin connection
// opened per call on dsn.
func NewPostgresDatabases(dsn string) Databases {
	return &pgDatabases{dsn: dsn}
}

func (p *pgDatabases) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to admin database: %w", err)
	}

	return conn, nil
}

func (p *pgDatabases) List(ctx context.Context) ([]string, error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close(ctx) }()

	rows, err := conn.Query(ctx,
		`SELECT datname FROM pg_database
		 WHERE NOT datistemplate AND datname <> current_database()
		 ORDER BY datname`)
	if err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}

	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("reading database names: %w", err)
	}

	return names, nil
}

func (p *pgDatabases) Drop(ctx context.Context, name string) error {
	conn, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()

	if _, err := conn.Exec(ctx,
		"DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize()+" WITH (FORCE)"); err != nil {
		return fmt.Errorf("dropping database %s: %w", name, err)
	}

	return nil
}
