package db

import (
	"context"
	"database/sql"
	"sharebox/pkg/domain"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const pgUniqueViolation = "23505"

const postgresSelect = `SELECT id, content, title, created_at::text, expires_at::text, render_mode FROM contents`

type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

func DefaultPostgresConfig(dsn string) PostgresConfig {
	return PostgresConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
		QueryTimeout:    defaultQueryTimeout,
	}
}

type Postgres struct {
	db           *sql.DB
	queryTimeout time.Duration
}

func NewPostgres(c PostgresConfig) (*Postgres, error) {
	def := DefaultPostgresConfig(c.DSN)
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = def.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = def.ConnMaxLifetime
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = def.ConnMaxIdleTime
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = def.QueryTimeout
	}
	db, err := sql.Open("postgres", c.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetMaxIdleConns(c.MaxIdleConns)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	p := &Postgres{db: db, queryTimeout: c.QueryTimeout}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contents (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			expires_at TIMESTAMP,
			title TEXT,
			render_mode TEXT DEFAULT 'raw'
		)`,
		`ALTER TABLE contents ADD COLUMN IF NOT EXISTS render_mode TEXT DEFAULT 'raw'`,
		`CREATE INDEX IF NOT EXISTS idx_contents_created_at ON contents(created_at)`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}
	return false
}

func (p *Postgres) Insert(ctx context.Context, c *domain.Content) error {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	q := `INSERT INTO contents (id, content, title, created_at, expires_at, render_mode) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := p.db.ExecContext(ctx, q,
		c.ID, c.Content, c.Title, formatCreatedAt(c.CreatedAt), formatNullTime(c.ExpiresAt), string(c.RenderMode),
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateID
	}
	return errors.Wrap(err, "insert content")
}

func (p *Postgres) Get(ctx context.Context, id string) (*domain.Content, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	c, err := scanContent(p.db.QueryRowContext(ctx, postgresSelect+` WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get content")
	}
	return c, nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `DELETE FROM contents WHERE id = $1`, id)
	return errors.Wrap(err, "delete content")
}

func (p *Postgres) List(ctx context.Context) ([]*domain.Content, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, postgresSelect+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list contents")
	}
	defer rows.Close()
	var out []*domain.Content
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan content")
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "iterate contents")
}

func (p *Postgres) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM contents WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
