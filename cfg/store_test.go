package cfg

import (
	"context"
	"os"
	"path/filepath"
	"sharebox/pkg/domain"
	"testing"
	"time"

	"go.yaml.in/yaml/v3"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	return s
}

func readFile(t *testing.T, path string) *Doc {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var d Doc
	if err := yaml.Unmarshal(data, &d); err != nil {
		t.Fatal(err)
	}
	return &d
}

func TestOpenStoreWritesDefaults(t *testing.T) {
	s := newTestStore(t)
	d := s.Current()
	if d.Content.DefaultExpireHours != 24 {
		t.Errorf("default_expire_hours = %d, want 24", d.Content.DefaultExpireHours)
	}
	if d.Server.SecretKey == "" {
		t.Error("secret key not generated")
	}
	onDisk := readFile(t, s.Path())
	if onDisk.Server.SecretKey != d.Server.SecretKey {
		t.Error("secret key not persisted")
	}

	again, err := OpenStore(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if again.Current().Server.SecretKey != d.Server.SecretKey {
		t.Error("reopening regenerated the secret key")
	}
}

func TestUpdatePassword(t *testing.T) {
	s := newTestStore(t)
	restart, err := s.Update(Patch{"auth": {"password": "newpassword123"}})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if restart {
		t.Error("password change should not need a restart")
	}
	if s.Current().Auth.Password != "newpassword123" {
		t.Errorf("password = %q", s.Current().Auth.Password)
	}
	if readFile(t, s.Path()).Auth.Password != "newpassword123" {
		t.Error("password not saved to disk")
	}
}

func TestUpdateCoercesTypes(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update(Patch{
		"content": {"default_expire_hours": "48", "max_content_size": float64(2048)},
		"server":  {"debug": "yes"},
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	d := s.Current()
	if d.Content.DefaultExpireHours != 48 {
		t.Errorf("default_expire_hours = %d, want 48", d.Content.DefaultExpireHours)
	}
	if d.Content.MaxContentSize != 2048 {
		t.Errorf("max_content_size = %d, want 2048", d.Content.MaxContentSize)
	}
	if !d.Server.Debug {
		t.Error("debug should be true")
	}
	if readFile(t, s.Path()).Content.DefaultExpireHours != 48 {
		t.Error("default_expire_hours not saved to disk")
	}
}

func TestUpdateRejectsInvalidInt(t *testing.T) {
	s := newTestStore(t)
	before := s.Current()
	_, err := s.Update(Patch{"server": {"port": "invalid"}})
	if err == nil {
		t.Fatal("expected error for non-integer port")
	}
	if !domain.IsValidation(err) {
		t.Errorf("error kind = %v, want validation", domain.KindOf(err))
	}
	if s.Current() != before {
		t.Error("failed update replaced the snapshot")
	}
}

func TestUpdateIgnoresUnknownKeys(t *testing.T) {
	s := newTestStore(t)
	before := *s.Current()
	_, err := s.Update(Patch{
		"nope":    {"x": 1},
		"content": {"unknown_field": 5},
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if *s.Current() != before {
		t.Error("unknown keys changed the document")
	}
}

func TestUpdateRestartNeeded(t *testing.T) {
	s := newTestStore(t)
	restart, err := s.Update(Patch{"server": {"port": 8081}})
	if err != nil {
		t.Fatal(err)
	}
	if !restart {
		t.Error("port change should need a restart")
	}
	if s.Current().Addr() != "0.0.0.0:8081" {
		t.Errorf("Addr() = %s", s.Current().Addr())
	}
}

func TestUpdateDatabasePathNeedsRestart(t *testing.T) {
	s := newTestStore(t)
	restart, err := s.Update(Patch{"database": {"path": "data/other.db"}})
	if err != nil {
		t.Fatal(err)
	}
	if !restart {
		t.Error("database path change should need a restart")
	}
	if s.Current().Database.Path != "data/other.db" {
		t.Errorf("Database.Path = %s", s.Current().Database.Path)
	}
}

func TestUpdateRejectsInvalidDoc(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Update(Patch{"server": {"port": 70000}}); err == nil {
		t.Error("out of range port accepted")
	}
	if _, err := s.Update(Patch{"auth": {"password": ""}}); err == nil {
		t.Error("empty password accepted")
	}
}

func TestOnChangeAndReload(t *testing.T) {
	s := newTestStore(t)
	got := make(chan int, 4)
	s.OnChange(func(d *Doc) { got <- d.Content.DefaultExpireHours })

	d := *s.Current()
	d.Content.DefaultExpireHours = 72
	data, err := yaml.Marshal(&d)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path(), data, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if s.Current().Content.DefaultExpireHours != 72 {
		t.Errorf("default_expire_hours = %d after reload", s.Current().Content.DefaultExpireHours)
	}
	select {
	case v := <-got:
		if v != 72 {
			t.Errorf("subscriber saw %d", v)
		}
	default:
		t.Error("subscriber not called")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	d := *s.Current()
	d.Auth.Password = "rotated"
	data, err := yaml.Marshal(&d)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path(), data, 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.Current().Auth.Password == "rotated" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("watcher did not reload the document")
}

func TestSafeMasksHashedPassword(t *testing.T) {
	d, err := DefaultDoc()
	if err != nil {
		t.Fatal(err)
	}
	if d.Safe()["auth"]["password"] != "admin" {
		t.Error("plaintext password should be shown as configured")
	}
	if _, ok := d.Safe()["server"]["secret_key"]; ok {
		t.Error("secret key exposed")
	}
	d.Auth.Password = "$argon2id$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA"
	if d.Safe()["auth"]["password"] != "***HASHED***" {
		t.Error("hashed password not masked")
	}
}

func TestStaticStore(t *testing.T) {
	d, _ := DefaultDoc()
	s := NewStaticStore(d)
	if _, err := s.Update(Patch{"content": {"max_content_size": 10}}); err != nil {
		t.Fatal(err)
	}
	if s.Current().Content.MaxContentSize != 10 {
		t.Error("static store update not applied")
	}
	if err := s.Watch(context.Background()); err == nil {
		t.Error("static store should refuse to watch")
	}
}
