package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sharebox/cfg"
	"sharebox/pkg/domain"
	"sharebox/svc/auth"
	"sharebox/svc/cache"
	"sharebox/svc/db"
	"sharebox/svc/lim"
	"sharebox/svc/svc"
	"strings"
	"testing"
	"time"
)

type testServer struct {
	srv     *Server
	conf    *cfg.Store
	store   *db.SQLite
	content *svc.Content
	cookie  *http.Cookie
}

func createTestConfig() *cfg.Cfg {
	return &cfg.Cfg{
		Environment:    "test",
		LRUCacheSize:   100,
		CacheTTL:       time.Hour,
		RateLimit:      cfg.RateLimitCfg{RPM: 1000, Burst: 1000, LoginPerMin: 1000},
		ContextTimeout: 5 * time.Second,
		SessionTTL:     time.Hour,
	}
}

func newTestServer(t *testing.T, c *cfg.Cfg) *testServer {
	t.Helper()
	dsn := fmt.Sprintf("file:apimem%d?mode=memory&cache=shared", time.Now().UnixNano())
	store, err := db.NewSQLiteWithConfig(dsn, 4, 4, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	lru, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := cfg.DefaultDoc()
	if err != nil {
		t.Fatal(err)
	}
	conf := cfg.NewStaticStore(doc)
	content := svc.NewContent(store, lru, nil, conf, c.CacheTTL)
	sessions := auth.NewSessions(conf, c.SessionTTL, nil, false)
	l, err := lim.New(lim.Policy{RPM: c.RateLimit.RPM, Burst: c.RateLimit.Burst}, nil, c.TrustedProxies)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Stop)
	return &testServer{
		srv:     NewServer(c, conf, content, sessions, l, nil),
		conf:    conf,
		store:   store,
		content: content,
	}
}

func (ts *testServer) do(t *testing.T, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	r.RemoteAddr = "192.0.2.1:1234"
	if ts.cookie != nil {
		r.AddCookie(ts.cookie)
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, r)
	return rec
}

func formRequest(method, path string, form url.Values) *http.Request {
	r := httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func (ts *testServer) login(t *testing.T) {
	t.Helper()
	rec := ts.do(t, formRequest(http.MethodPost, "/login", url.Values{"password": {"admin"}}))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/" {
		t.Fatalf("login: code %d location %q", rec.Code, rec.Header().Get("Location"))
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.CookieName {
			ts.cookie = c
		}
	}
	if ts.cookie == nil {
		t.Fatal("login did not set a session cookie")
	}
}

func (ts *testServer) create(t *testing.T, form url.Values) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := ts.do(t, formRequest(http.MethodPost, "/create", form))
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("create response not JSON: %q", rec.Body.String())
	}
	return rec, body
}

func TestProtectedRoutesRedirect(t *testing.T) {
	ts := newTestServer(t, createTestConfig())
	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/"},
		{http.MethodPost, "/create"},
		{http.MethodPost, "/delete/abc"},
		{http.MethodGet, "/config"},
		{http.MethodPost, "/config"},
		{http.MethodGet, "/api/contents"},
	}
	for _, tt := range tests {
		rec := ts.do(t, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/login" {
			t.Errorf("%s %s: code %d location %q, want 302 /login", tt.method, tt.path, rec.Code, rec.Header().Get("Location"))
		}
	}
}

func TestLoginWrongPassword(t *testing.T) {
	ts := newTestServer(t, createTestConfig())
	rec := ts.do(t, formRequest(http.MethodPost, "/login", url.Values{"password": {"nope"}}))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Incorrect password") {
		t.Error("login page does not show the error")
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.CookieName {
			t.Error("session cookie set on failed login")
		}
	}
}

func TestLoginWithHashedPassword(t *testing.T) {
	ts := newTestServer(t, createTestConfig())
	hashed, err := auth.HashPasswordWith("hunter2", auth.Params{Iterations: 1, Memory: 8 * 1024, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	if err != nil {
		t.Fatal(err)
	}
	ts.conf.Current().Auth.Password = hashed
	rec := ts.do(t, formRequest(http.MethodPost, "/login", url.Values{"password": {"hunter2"}}))
	if rec.Code != http.StatusFound {
		t.Errorf("code = %d, want 302", rec.Code)
	}
}

func TestLogout(t *testing.T) {
	ts := newTestServer(t, createTestConfig())
	ts.login(t)
	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/logout", nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/login" {
		t.Fatalf("logout: code %d location %q", rec.Code, rec.Header().Get("Location"))
	}
	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusFound {
		t.Errorf("old session still accepted after logout: code %d", rec.Code)
	}
}

func TestCreateAndViewRaw(t *testing.T) {
	ts := newTestServer(t, createTestConfig())
	ts.login(t)
	rec, body := ts.create(t, url.Values{
		"content":      {"Hello World"},
		"title":        {"Test"},
		"expire_hours": {"24"},
		"render_mode":  {"raw"},
	})
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("create: code %d body %v", rec.Code, body)
	}
	id, _ := body["short_id"].(string)
	if len(id) != 8 {
		t.Errorf("short_id = %q, want 8 chars", id)
	}
	if body["share_url"] != "http://example.com/s/"+id {
		t.Errorf("share_url = %v", body["share_url"])
	}

	ts.cookie = nil
	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/s/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("view: code %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Body.String() != "Hello World" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestCreateMultipart(t *testing.T) {
	ts := newTestServer(t, createTestConfig())
	ts.login(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("content", "from multipart")
	mw.WriteField("custom_id", "multi")
	mw.Close()
	r := httptest.NewRequest(http.MethodPost, "/create", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	rec := ts.do(t, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("code %d body %s", rec.Code, rec.Body.String())
	}
	c, err := ts.store.Get(r.Context(), "multi")
	if err != nil || c.Content != "from multipart" {
		t.Errorf("stored = %+v, %v", c, err)
	}
}

func TestViewHTML(t *testing.T) {
	ts := newTestServer(t, createTestConfig())
	ts.login(t)
	_, body := ts.create(t, url.Values{
		"content":     {"<h1>Hi</h1>"},
		"title":       {"Page"},
		"custom_id":   {"page"},
		"render_mode": {"html"},
	})
	if body["short_id"] != "page" {
		t.Fatalf("create body %v", body)
	}
	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/s/page", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "<h1>Hi</h1>") {
		t.Error("html content escaped or missing")
	}
	if !strings.Contains(rec.Header().Get("Content-Security-Policy"), "sandbox") {
		t.Error("html view not sandboxed")
	}
}

func TestCreateValidationErrors(t *testing.T) {
	ts := newTestServer(t, createTestConfig())
	ts.login(t)
	ts.conf.Current().Content.MaxContentSize = 16

	if _, body := ts.create(t, url.Values{"content": {"x"}, "custom_id": {"demo"}}); body["success"] != true {
		t.Fatalf("seed create failed: %v", body)
	}

	tests := []struct {
		name    string
		form    url.Values
		wantMsg string
	}{
		{"empty content", url.Values{"content": {""}}, "must not be empty"},
		{"oversized", url.Values{"content": {strings.Repeat("a", 17)}}, "(16 bytes)"},
		{"bad custom id", url.Values{"content": {"ok"}, "custom_id": {"my id!"}}, "letters"},
		{"short custom id", url.Values{"content": {"ok"}, "custom_id": {"a"}}, "between 2 and 50"},
		{"duplicate", url.Values{"content": {"ok"}, "custom_id": {"demo"}}, `"demo"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := ts.create(t, tt.form)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("code = %d, want 400", rec.Code)
			}
			msg, _ := body["error"].(string)
			if !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("error = %q, want it to contain %q", msg, tt.wantMsg)
			}
		})
	}
}

func TestCreateExpireHoursFallback(t *testing.T) {
	ts := newTestServer(t, createTestConfig())
	ts.login(t)
	ts.conf.Current().Content.DefaultExpireHours = 2
	before := time.Now()
	_, body := ts.create(t, url.Values{"content": {"x"}, "custom_id": {"fallback"}, "expire_hours": {"soon"}})
	if body["success"] != true {
		t.Fatalf("create: %v", body)
	}
	c, err := ts.store.Get(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "fallback")
	if err != nil {
		t.Fatal(err)
	}
	if c.ExpiresAt == nil {
		t.Fatal("no expiry set")
	}
	if d := c.ExpiresAt.Sub(before); d < 2*time.Hour-time.Second || d > 2*time.Hour+time.Minute {
		t.Errorf("expiry offset = %v, want ~2h", d)
	}
}

func TestViewMissingAndExpired(t *testing.T) {
	ts := newTestServer(t, createTestConfig())
	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/s/nonexistent123", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing: code %d, want 404", rec.Code)
	}

	past := time.Now().Add(-time.Minute)
	err := ts.store.Insert(httptest.NewRequest(http.MethodGet, "/", nil).Context(), &domain.Content{
		ID:         "expired1",
		Content:    "old",
		CreatedAt:  past.Add(-time.Hour),
		ExpiresAt:  &past,
		RenderMode: domain.RenderRaw,
	})
	if err != nil {
		t.Fatal(err)
	}
	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/s/expired1", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expired: code %d, want 404", rec.Code)
	}
	exists, err := ts.store.Exists(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "expired1")
	if err != nil || exists {
		t.Errorf("expired row after view: exists=%v err=%v", exists, err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	ts := newTestServer(t, createTestConfig())
	ts.login(t)
	ts.create(t, url.Values{"content": {"x"}, "custom_id": {"gone"}})
	for i := 0; i < 2; i++ {
		rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/delete/gone", nil))
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"success":true`) {
			t.Errorf("delete #%d: code %d body %s", i+1, rec.Code, rec.Body.String())
		}
	}
	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/s/gone", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("view after delete: code %d", rec.Code)
	}
}

func TestIndexAndAPIList(t *testing.T) {
	ts := newTestServer(t, createTestConfig())
	ts.login(t)
	ts.create(t, url.Values{"content": {"x"}, "custom_id": {"listed"}, "title": {"Shown <b>"}})

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("index: code %d", rec.Code)
	}
	page := rec.Body.String()
	if !strings.Contains(page, "/s/listed") || !strings.Contains(page, "Shown &lt;b&gt;") {
		t.Error("index does not list the content with an escaped title")
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/contents", nil))
	var list []domain.Content
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "listed" {
		t.Errorf("api list = %+v", list)
	}
}

func TestConfigGet(t *testing.T) {
	ts := newTestServer(t, createTestConfig())
	ts.login(t)
	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/config", nil))
	var body map[string]map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["server"]["port"] != float64(5000) || body["auth"]["password"] != "admin" {
		t.Errorf("config = %v", body)
	}
	if _, leaked := body["server"]["secret_key"]; leaked {
		t.Error("secret_key exposed")
	}
}

func TestConfigUpdate(t *testing.T) {
	ts := newTestServer(t, createTestConfig())
	ts.login(t)

	post := func(body string) (*httptest.ResponseRecorder, map[string]any) {
		r := httptest.NewRequest(http.MethodPost, "/config", strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
		rec := ts.do(t, r)
		var out map[string]any
		json.Unmarshal(rec.Body.Bytes(), &out)
		return rec, out
	}

	rec, out := post(`{"content":{"default_expire_hours":"48"},"bogus":{"x":1}}`)
	if rec.Code != http.StatusOK || out["success"] != true {
		t.Fatalf("update: code %d body %v", rec.Code, out)
	}
	if strings.Contains(out["message"].(string), "restart") {
		t.Errorf("restart flagged for content change: %v", out["message"])
	}
	if got := ts.conf.Current().Content.DefaultExpireHours; got != 48 {
		t.Errorf("default_expire_hours = %d, want 48", got)
	}

	rec, out = post(`{"server":{"port":8080}}`)
	if rec.Code != http.StatusOK || !strings.Contains(out["message"].(string), "restart") {
		t.Errorf("port change: code %d body %v", rec.Code, out)
	}

	rec, out = post(`{"server":{"port":"abc"}}`)
	if rec.Code != http.StatusBadRequest || !strings.Contains(out["error"].(string), "server.port") {
		t.Errorf("invalid port: code %d body %v", rec.Code, out)
	}
	if ts.conf.Current().Server.Port != 8080 {
		t.Error("rejected update changed the config")
	}

	for _, bad := range []string{``, `{}`, `not json`} {
		if rec, _ := post(bad); rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: code %d, want 400", bad, rec.Code)
		}
	}
}

func TestPasswordChange(t *testing.T) {
	ts := newTestServer(t, createTestConfig())
	ts.login(t)
	r := httptest.NewRequest(http.MethodPost, "/config", strings.NewReader(`{"auth":{"password":"newpass"}}`))
	if rec := ts.do(t, r); rec.Code != http.StatusOK {
		t.Fatalf("update: code %d", rec.Code)
	}
	ts.cookie = nil
	rec := ts.do(t, formRequest(http.MethodPost, "/login", url.Values{"password": {"admin"}}))
	if rec.Code != http.StatusOK {
		t.Errorf("old password still accepted: code %d", rec.Code)
	}
	rec = ts.do(t, formRequest(http.MethodPost, "/login", url.Values{"password": {"newpass"}}))
	if rec.Code != http.StatusFound {
		t.Errorf("new password rejected: code %d", rec.Code)
	}
}

func TestViewRateLimited(t *testing.T) {
	c := createTestConfig()
	c.RateLimit.RPM = 2
	c.RateLimit.Burst = 2
	ts := newTestServer(t, c)
	var last int
	for i := 0; i < 3; i++ {
		last = ts.do(t, httptest.NewRequest(http.MethodGet, "/s/whatever", nil)).Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third view: code %d, want 429", last)
	}
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, createTestConfig())
	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("health: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsBasicAuth(t *testing.T) {
	c := createTestConfig()
	c.MetricsUser = "prom"
	c.MetricsPass = cfg.NewSecret("scrape")
	ts := newTestServer(t, c)
	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous metrics: code %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate challenge")
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] != domain.ErrUnauthorized.Msg {
		t.Errorf("anonymous metrics body = %q", rec.Body.String())
	}
	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.SetBasicAuth("prom", "scrape")
	rec = ts.do(t, r)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "sharebox_") {
		t.Errorf("authorized metrics: code %d", rec.Code)
	}
}

func TestSetTimeouts(t *testing.T) {
	ts := newTestServer(t, createTestConfig())
	ts.srv.SetTimeouts(time.Second, 2*time.Second, 3*time.Second)
	hs := ts.srv.httpServer
	if hs.ReadTimeout != time.Second || hs.WriteTimeout != 2*time.Second || hs.IdleTimeout != 3*time.Second {
		t.Errorf("timeouts = %v / %v / %v", hs.ReadTimeout, hs.WriteTimeout, hs.IdleTimeout)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	ts := newTestServer(t, createTestConfig())
	r := httptest.NewRequest(http.MethodGet, "/login", nil)
	r.Header.Set("X-Request-ID", "3f0e2c1a-7b5d-4e8f-9a6b-1c2d3e4f5a6b")
	rec := ts.do(t, r)
	if got := rec.Header().Get("X-Request-ID"); got != "3f0e2c1a-7b5d-4e8f-9a6b-1c2d3e4f5a6b" {
		t.Errorf("X-Request-ID = %q", got)
	}
}

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  plain  ", "plain"},
		{"tab\there", "tabhere"},
		{"é", "é"},
		{strings.Repeat("x", maxTitleLength+10), strings.Repeat("x", maxTitleLength)},
	}
	for _, tt := range tests {
		if got := sanitizeTitle(tt.in); got != tt.want {
			t.Errorf("sanitizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
