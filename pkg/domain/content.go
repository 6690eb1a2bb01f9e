package domain

import (
	"time"
)

type RenderMode string

const (
	RenderRaw  RenderMode = "raw"
	RenderHTML RenderMode = "html"
)

// ParseRenderMode maps anything other than "html" to raw.
func ParseRenderMode(s string) RenderMode {
	if RenderMode(s) == RenderHTML {
		return RenderHTML
	}
	return RenderRaw
}

type Content struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	Title      string     `json:"title"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RenderMode RenderMode `json:"render_mode"`
}

func (c *Content) Expired(now time.Time) bool {
	return IsExpired(c.ExpiresAt, now)
}

type CreateParams struct {
	Content     string
	Title       string
	ExpireHours int
	CustomID    string
	RenderMode  RenderMode
}
