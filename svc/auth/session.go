package auth

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net/http"
	"sharebox/cfg"
	"sharebox/svc/util"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	CookieName     = "sharebox_session"
	sessionInfo    = "sharebox-session-v1"
	payloadLen     = 16 + 8
	maxCookieBytes = 512
)

var (
	ErrSessionMalformed = errors.New("session cookie malformed")
	ErrSessionExpired   = errors.New("session expired")
	ErrSessionRevoked   = errors.New("session revoked")
)

// Revoker remembers logged-out session IDs until their cookies would have
// expired anyway. *db.Redis satisfies it.
type Revoker interface {
	Revoke(ctx context.Context, sessionID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

type memRevoker struct {
	c *expirable.LRU[string, struct{}]
}

// NewMemRevoker keeps up to size revoked IDs in process for ttl.
func NewMemRevoker(size int, ttl time.Duration) Revoker {
	return &memRevoker{c: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (m *memRevoker) Revoke(_ context.Context, sessionID string, _ time.Duration) error {
	m.c.Add(sessionID, struct{}{})
	return nil
}

func (m *memRevoker) IsRevoked(_ context.Context, sessionID string) (bool, error) {
	return m.c.Contains(sessionID), nil
}

// Sessions issues and checks the admin session cookie. The cookie is sealed
// with a key derived from server.secret_key of the current config snapshot,
// so changing the secret logs everyone out.
type Sessions struct {
	conf    *cfg.Store
	ttl     time.Duration
	revoker Revoker
	secure  bool
	now     func() time.Time

	mu     sync.Mutex
	secret string
	aead   cipher.AEAD
}

func NewSessions(conf *cfg.Store, ttl time.Duration, revoker Revoker, secure bool) *Sessions {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if revoker == nil {
		revoker = NewMemRevoker(10000, ttl)
	}
	return &Sessions{
		conf:    conf,
		ttl:     ttl,
		revoker: revoker,
		secure:  secure,
		now:     time.Now,
	}
}

func (s *Sessions) sealer() (cipher.AEAD, error) {
	secret := s.conf.Current().Server.SecretKey
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aead != nil && s.secret == secret {
		return s.aead, nil
	}
	key := make([]byte, chacha20poly1305.KeySize)
	defer util.Wipe(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(sessionInfo)), key); err != nil {
		return nil, errors.Wrap(err, "derive session key")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "init session cipher")
	}
	if s.aead != nil {
		util.Info().Msg("session key rotated")
	}
	s.secret, s.aead = secret, aead
	return aead, nil
}

// Issue starts a new admin session and sets its cookie.
func (s *Sessions) Issue(w http.ResponseWriter) error {
	aead, err := s.sealer()
	if err != nil {
		return err
	}
	id := uuid.New()
	expiry := s.now().Add(s.ttl)

	payload := make([]byte, 0, payloadLen)
	payload = append(payload, id[:]...)
	payload = binary.BigEndian.AppendUint64(payload, uint64(expiry.Unix()))

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(payload)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return errors.Wrap(err, "rand fail")
	}
	sealed := aead.Seal(nonce, nonce, payload, []byte(CookieName))

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    base64.RawURLEncoding.EncodeToString(sealed),
		Path:     "/",
		Expires:  expiry,
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

type claims struct {
	id     string
	expiry time.Time
}

func (s *Sessions) open(r *http.Request) (*claims, error) {
	ck, err := r.Cookie(CookieName)
	if err != nil {
		return nil, err
	}
	if len(ck.Value) > maxCookieBytes {
		return nil, ErrSessionMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(ck.Value)
	if err != nil {
		return nil, ErrSessionMalformed
	}
	aead, err := s.sealer()
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSessionMalformed
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	payload, err := aead.Open(nil, nonce, sealed, []byte(CookieName))
	if err != nil || len(payload) != payloadLen {
		return nil, ErrSessionMalformed
	}
	id, err := uuid.FromBytes(payload[:16])
	if err != nil {
		return nil, ErrSessionMalformed
	}
	c := &claims{
		id:     id.String(),
		expiry: time.Unix(int64(binary.BigEndian.Uint64(payload[16:])), 0),
	}
	if !s.now().Before(c.expiry) {
		return c, ErrSessionExpired
	}
	return c, nil
}

// Check returns nil when r carries a live, unrevoked session.
func (s *Sessions) Check(r *http.Request) error {
	c, err := s.open(r)
	if err != nil {
		return err
	}
	revoked, err := s.revoker.IsRevoked(r.Context(), c.id)
	if err != nil {
		return errors.Wrap(err, "revocation check")
	}
	if revoked {
		return ErrSessionRevoked
	}
	return nil
}

func (s *Sessions) Valid(r *http.Request) bool {
	err := s.Check(r)
	if err != nil && !errors.Is(err, http.ErrNoCookie) {
		util.Debug().Err(err).Str("request_id", util.GetRequestID(r.Context())).Msg("session rejected")
	}
	return err == nil
}

// Revoke ends the session carried by r, if any, and clears the cookie.
func (s *Sessions) Revoke(w http.ResponseWriter, r *http.Request) error {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	c, err := s.open(r)
	if err != nil {
		return nil
	}
	ttl := c.expiry.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	return errors.Wrap(s.revoker.Revoke(r.Context(), c.id, ttl), "revoke session")
}

// RequireLogin redirects to /login unless the request carries a valid session.
func RequireLogin(s *Sessions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Valid(r) {
				http.Redirect(w, r, "/login", http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
