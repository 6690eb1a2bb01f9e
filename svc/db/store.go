package db

import (
	"context"
	"database/sql/driver"
	"fmt"
	"sharebox/cfg"
	"sharebox/pkg/domain"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Store persists content rows. Implementations return domain.ErrDuplicateID
// when Insert hits the primary key constraint and domain.ErrNotFound from Get
// for a missing row. They never filter or evict expired rows themselves.
type Store interface {
	Insert(ctx context.Context, c *domain.Content) error
	Get(ctx context.Context, id string) (*domain.Content, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*domain.Content, error)
	Exists(ctx context.Context, id string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

func Open(c *cfg.Cfg, doc *cfg.Doc) (Store, error) {
	switch c.DatabaseDriver {
	case cfg.DriverPostgres:
		return NewPostgres(PostgresConfig{
			DSN:          c.DatabaseURL.Value(),
			MaxOpenConns: c.DBMaxOpenConns,
			MaxIdleConns: c.DBMaxIdleConns,
			QueryTimeout: c.DBQueryTimeout,
		})
	case cfg.DriverSQLite, "":
		return NewSQLiteWithConfig(doc.Database.Path, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", c.DatabaseDriver)
	}
}

// Timestamps are stored as naive wall-clock text, the shape existing databases
// already hold. created_at is UTC, matching the CURRENT_TIMESTAMP column
// default; expires_at is local time.
const timeLayout = "2006-01-02 15:04:05.000000"

var readLayouts = []string{
	timeLayout,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
}

// nullTime scans timestamp columns. Queries select them as text so the driver
// never applies its own time zone guess.
type nullTime struct {
	Time  time.Time
	Valid bool
	// loc interprets values without an offset. Nil means time.Local.
	loc *time.Location
}

func (n *nullTime) Scan(v any) error {
	switch t := v.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = t, true
		return nil
	case string:
		return n.parse(t)
	case []byte:
		return n.parse(string(t))
	default:
		return fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func (n *nullTime) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		n.Valid = false
		return nil
	}
	loc := n.loc
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range readLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			n.Time, n.Valid = t, true
			return nil
		}
	}
	return errors.Errorf("unparseable timestamp %q", s)
}

func (n nullTime) ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func formatTime(t time.Time) string {
	return t.In(time.Local).Format(timeLayout)
}

func formatCreatedAt(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) driver.Value {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContent(row rowScanner) (*domain.Content, error) {
	var (
		c         domain.Content
		title     *string
		mode      *string
		createdAt = nullTime{loc: time.UTC}
		expiresAt nullTime
	)
	if err := row.Scan(&c.ID, &c.Content, &title, &createdAt, &expiresAt, &mode); err != nil {
		return nil, err
	}
	if title != nil {
		c.Title = *title
	}
	if mode != nil {
		c.RenderMode = domain.ParseRenderMode(*mode)
	} else {
		c.RenderMode = domain.RenderRaw
	}
	c.CreatedAt = createdAt.Time.In(time.Local)
	c.ExpiresAt = expiresAt.ptr()
	return &c, nil
}
