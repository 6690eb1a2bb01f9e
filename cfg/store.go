package cfg

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sharebox/pkg/domain"
	"sharebox/svc/util"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.yaml.in/yaml/v3"
)

// Patch is a partial config update keyed by section then field name.
type Patch map[string]map[string]any

// Store owns the YAML document on disk. Readers take an immutable snapshot with
// Current; every change swaps in a new snapshot.
type Store struct {
	path     string
	current  atomic.Pointer[Doc]
	writeMu  sync.Mutex
	subMu    sync.Mutex
	onChange []func(*Doc)
}

func OpenStore(path string) (*Store, error) {
	s := &Store{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		d, err := DefaultDoc()
		if err != nil {
			return nil, err
		}
		if err := s.write(d); err != nil {
			return nil, errors.Wrap(err, "write default config")
		}
		s.current.Store(d)
		util.Info().Str("path", path).Msg("default config written")
		return s, nil
	}
	d, err := readDoc(path)
	if err != nil {
		return nil, err
	}
	s.current.Store(d)
	return s, nil
}

// NewStaticStore serves d without a backing file; updates stay in memory.
func NewStaticStore(d *Doc) *Store {
	s := &Store{}
	s.current.Store(d)
	return s
}

func (s *Store) Path() string { return s.path }

func (s *Store) Current() *Doc {
	return s.current.Load()
}

func (s *Store) OnChange(fn func(*Doc)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func (s *Store) swap(d *Doc) {
	s.current.Store(d)
	s.subMu.Lock()
	subs := append([]func(*Doc){}, s.onChange...)
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(d)
	}
}

func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	d, err := readDoc(s.path)
	if err != nil {
		return err
	}
	s.swap(d)
	return nil
}

var restartFields = []struct{ section, key string }{
	{"server", "host"},
	{"server", "port"},
	{"database", "path"},
}

// Update merges patch into the current document, validates, persists and
// swaps it in. Unknown sections and keys are ignored. restartNeeded reports
// whether the patch touched a setting read only at startup: the listen address
// or the database path.
func (s *Store) Update(patch Patch) (restartNeeded bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tree, err := toTree(s.Current())
	if err != nil {
		return false, err
	}
	for section, values := range patch {
		fields, ok := tree[section]
		if !ok {
			continue
		}
		for key, value := range values {
			orig, ok := fields[key]
			if !ok {
				continue
			}
			coerced, err := coerce(orig, value)
			if err != nil {
				return false, domain.ErrInvalidConfigValue.WithMsg(fmt.Sprintf("%s.%s %s", section, key, err.Error()))
			}
			fields[key] = coerced
			util.Info().
				Str("field", section+"."+key).
				Interface("value", util.RedactSensitive(key, coerced)).
				Msg("config field updated")
		}
	}
	next, err := fromTree(tree)
	if err != nil {
		return false, err
	}
	if err := next.Validate(); err != nil {
		return false, domain.ErrInvalidConfigValue.WithMsg(err.Error())
	}
	if s.path != "" {
		if err := s.write(next); err != nil {
			return false, errors.Wrap(err, "save config")
		}
	}
	s.swap(next)

	for _, f := range restartFields {
		if _, ok := patch[f.section][f.key]; ok {
			restartNeeded = true
		}
	}
	return restartNeeded, nil
}

// Watch reloads the document whenever the file changes on disk. It blocks until
// ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return errors.New("static config store cannot be watched")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer w.Close()
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return errors.Wrapf(err, "watch %s", dir)
	}
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				util.Warn().Err(err).Str("path", s.path).Msg("config reload failed, keeping previous snapshot")
				continue
			}
			util.Info().Str("path", s.path).Msg("config reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			util.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (s *Store) write(d *Doc) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create config dir")
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write temp config")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "replace config")
}

func readDoc(path string) (*Doc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	d, err := DefaultDoc()
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, d); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := d.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return d, nil
}

func toTree(d *Doc) (map[string]map[string]any, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "marshal config")
	}
	tree := make(map[string]map[string]any)
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, errors.Wrap(err, "unmarshal config tree")
	}
	return tree, nil
}

func fromTree(tree map[string]map[string]any) (*Doc, error) {
	data, err := yaml.Marshal(tree)
	if err != nil {
		return nil, errors.Wrap(err, "marshal config tree")
	}
	var d Doc
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &d, nil
}

// coerce converts v to the type of the existing value orig.
func coerce(orig, v any) (any, error) {
	switch orig.(type) {
	case int:
		return toInt(v)
	case bool:
		return toBool(v), nil
	case string:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	default:
		return v, nil
	}
}

func toInt(v any) (int, error) {
	errNotInt := errors.New("must be an integer")
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, errNotInt
		}
		return int(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, errNotInt
		}
		return i, nil
	default:
		return 0, errNotInt
	}
}

func toBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(b) {
		case "true", "1", "yes":
			return true
		}
		return false
	case int:
		return b != 0
	case float64:
		return b != 0
	case nil:
		return false
	default:
		return true
	}
}
