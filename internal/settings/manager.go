package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/wolfman30/triage-notifier/pkg/logging"
)

const (
	reloadDebounce     = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Manager owns the current settings snapshot and reloads it when the file
// changes.
type Manager struct {
	path   string
	logger *logging.Logger

	current  atomic.Pointer[Snapshot]
	lastHash atomic.Uint64

	subsMu sync.Mutex
	subs   []chan *Snapshot

	now func() time.Time
}

// NewManager creates a manager for the settings file at path.
func NewManager(path string, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{path: path, logger: logger.Component("settings"), now: time.Now}
}

// NewStatic returns a manager that always serves snap. Used by tests and the
// lambda entrypoint when no settings file is mounted.
func NewStatic(snap *Snapshot) *Manager {
	m := &Manager{logger: logging.Nop(), now: time.Now}
	m.current.Store(snap)
	return m
}

// Path returns the watched settings path.
func (m *Manager) Path() string { return m.path }

// Parse reads and strictly decodes the settings file without publishing it.
func (m *Manager) Parse() (Settings, []byte, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return Settings{}, nil, fmt.Errorf("settings: read %s: %w", m.path, err)
	}
	jb, err := coerceToJSONBytes(m.path, raw)
	if err != nil {
		return Settings{}, nil, fmt.Errorf("settings: %w", err)
	}
	s, err := decodeStrict(jb)
	if err != nil {
		return Settings{}, nil, fmt.Errorf("settings: decode %s: %w", m.path, err)
	}
	return s, jb, nil
}

func decodeStrict(data []byte) (Settings, error) {
	var s Settings
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return Settings{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Settings{}, errors.New("trailing data")
		}
		return Settings{}, err
	}
	return s, nil
}

// Load parses, compiles and publishes the file. A missing file falls back to
// Defaults so a fresh install starts with sane rules.
func (m *Manager) Load() (*Snapshot, error) {
	s, jb, err := m.Parse()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("settings file not found; using defaults", "path", m.path)
			snap, cerr := Compile(Defaults(), m.now())
			if cerr != nil {
				return nil, cerr
			}
			m.current.Store(snap)
			return snap, nil
		}
		return nil, err
	}
	snap, err := Compile(s, m.now())
	if err != nil {
		return nil, err
	}
	m.commit(snap, hashBytes(jb))
	return snap, nil
}

// Current returns the latest published snapshot, or nil before Load.
func (m *Manager) Current() *Snapshot {
	return m.current.Load()
}

// Subscribe returns a channel receiving every newly published snapshot.
func (m *Manager) Subscribe(buffer int) chan *Snapshot {
	ch := make(chan *Snapshot, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (m *Manager) Unsubscribe(ch chan *Snapshot) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *Manager) commit(snap *Snapshot, hash uint64) {
	m.current.Store(snap)
	m.lastHash.Store(hash)
}

func (m *Manager) publish(snap *Snapshot) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- snap:
		default:
			// drop the oldest queued snapshot so the newest always lands
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
				m.logger.Debug("settings update dropped (subscriber slow)", "queue_cap", cap(ch))
			}
		}
	}
}

// reload re-reads the file and publishes it when the content changed and
// compiles. Invalid files keep the previous snapshot live.
func (m *Manager) reload() {
	s, jb, err := m.Parse()
	if err != nil {
		m.logger.Warn("settings parse failed; keeping previous snapshot", "path", m.path, "error", err)
		return
	}
	h := hashBytes(jb)
	if h == m.lastHash.Load() {
		m.logger.Debug("settings unchanged; skipping publish", "path", m.path)
		return
	}
	snap, err := Compile(s, m.now())
	if err != nil {
		m.logger.Warn("settings rejected", "path", m.path, "error", err)
		return
	}
	m.commit(snap, h)
	m.publish(snap)
	m.logger.Info("settings reloaded",
		"path", m.path,
		"min_wait_minutes", snap.Settings.MinWaitMinutes,
		"max_wait_minutes", snap.Settings.MaxWaitMinutes,
		"cutoff", snap.Settings.EndOfDayCutoff,
		"paused", snap.Settings.Paused,
	)
}

// Watch reloads the settings file on change until ctx is cancelled. The
// watcher is recreated with backoff if fsnotify stops delivering events.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, m.reload)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	backoff := restartBackoffBase
	wait := func() bool {
		d := backoff
		backoff *= 2
		if backoff > restartBackoffMax {
			backoff = restartBackoffMax
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			m.logger.Warn("settings watch init failed", "error", err, "dir", dir)
			if !wait() {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			m.logger.Warn("settings watch add failed", "error", err, "dir", dir)
			if !wait() {
				return nil
			}
			continue
		}
		backoff = restartBackoffBase
		m.logger.Debug("settings watcher started", "dir", dir, "file", file)

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					continue
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					continue
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					m.logger.Warn("settings watch overflow; forcing reload", "dir", dir)
					debounce()
					continue
				}
				m.logger.Warn("settings watch error", "error", err, "dir", dir)
			}
		}
		_ = w.Close()
		m.logger.Warn("settings watcher stopped; restarting", "dir", dir)
		if !wait() {
			return nil
		}
	}
	return nil
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
