//go:build !no_automation

package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/yuin/gopher-lua/parse"
)

const metaPrefix = "-- "

var (
	scriptIDRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	slugRe     = regexp.MustCompile(`[^a-z0-9]+`)
)

// Manager loads and stores automation scripts in a directory.
type Manager struct {
	dir string
	mu  sync.RWMutex
}

// NewManager creates the scripts directory if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+".lua")
}

// List returns every readable script, sorted by ID.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}

	scripts := make([]*Script, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".lua" {
			continue
		}
		s, err := m.load(filepath.Join(m.dir, e.Name()))
		if err != nil {
			slog.Warn("skipping script", "file", e.Name(), "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].ID < scripts[j].ID })
	return scripts, nil
}

// Get returns one script by ID.
func (m *Manager) Get(id string) (*Script, error) {
	if !scriptIDRe.MatchString(id) {
		return nil, fmt.Errorf("invalid script id %q: %w", id, ErrScriptNotFound)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.load(m.path(id))
}

// Save checks the Lua source compiles and writes the script. A script without
// an ID gets one derived from its name, suffixed until unique.
func (m *Manager) Save(s *Script) (*Script, error) {
	if _, err := parse.Parse(strings.NewReader(s.LuaCode), s.Meta.Name); err != nil {
		return nil, fmt.Errorf("lua syntax: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.uniqueID(slugify(s.Meta.Name))
	} else if !scriptIDRe.MatchString(s.ID) {
		return nil, fmt.Errorf("invalid script id %q", s.ID)
	}
	s.FilePath = m.path(s.ID)

	data, err := encodeScript(s)
	if err != nil {
		return nil, err
	}
	tmp := s.FilePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	if err := os.Rename(tmp, s.FilePath); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("write script: %w", err)
	}
	return s, nil
}

func (m *Manager) uniqueID(base string) string {
	if base == "" {
		base = "script"
	}
	id := base
	for i := 2; ; i++ {
		if _, err := os.Stat(m.path(id)); errors.Is(err, fs.ErrNotExist) {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, i)
	}
}

// Delete removes a script by ID.
func (m *Manager) Delete(id string) error {
	if !scriptIDRe.MatchString(id) {
		return fmt.Errorf("invalid script id %q: %w", id, ErrScriptNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	err := os.Remove(m.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("script %s: %w", id, ErrScriptNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

func (m *Manager) load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("script %s: %w", filepath.Base(path), ErrScriptNotFound)
	}
	if err != nil {
		return nil, err
	}
	s, err := decodeScript(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	s.ID = strings.TrimSuffix(filepath.Base(path), ".lua")
	s.FilePath = path
	return s, nil
}

// decodeScript splits a file into its metadata header and Lua body. Files
// without a header are accepted as disabled scripts.
func decodeScript(data []byte) (*Script, error) {
	s := &Script{}
	first, rest, _ := strings.Cut(string(data), "\n")
	if strings.HasPrefix(first, metaPrefix+"{") {
		if err := json.Unmarshal([]byte(strings.TrimPrefix(first, metaPrefix)), &s.Meta); err != nil {
			return nil, fmt.Errorf("metadata: %w", err)
		}
	} else {
		rest = string(data)
	}
	s.LuaCode = strings.TrimLeft(rest, "\n")
	return s, nil
}

func encodeScript(s *Script) ([]byte, error) {
	meta, err := json.Marshal(s.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	var b strings.Builder
	b.WriteString(metaPrefix)
	b.Write(meta)
	b.WriteString("\n\n")
	b.WriteString(s.LuaCode)
	if !strings.HasSuffix(s.LuaCode, "\n") {
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}

func slugify(name string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "_")
	}
	return s
}
