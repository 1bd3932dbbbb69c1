package capability

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentrelay/agentrelay/pkg/models"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// MissingFilePolicy decides what Load does when the backing file does not
// exist. The choice is fixed at source construction, not per call.
type MissingFilePolicy int

const (
	// ServeEmpty logs the miss and serves an empty document (default).
	ServeEmpty MissingFilePolicy = iota
	// FailOnMissing treats a missing file as a load error.
	FailOnMissing
)

// DefaultDebounce collapses rapid successive file writes into one reload.
const DefaultDebounce = 300 * time.Millisecond

// ReloadEvent is published after every reload attempt. On failure Err is set
// and the previous valid document remains active.
type ReloadEvent struct {
	Path      string
	Timestamp time.Time
	Success   bool
	Err       error
}

// emptyDocument is served under ServeEmpty when the file is absent.
var emptyDocument = &models.CapabilityDocument{
	Version: "0",
	Agents:  map[string]*models.AgentCapability{},
}

// FileSource loads the capability document from a YAML file, validates it,
// and republishes on change. Readers of Document never block on parsing:
// the cached document sits behind an atomic pointer and only the final swap
// is exclusive.
type FileSource struct {
	path     string
	policy   MissingFilePolicy
	debounce time.Duration

	doc atomic.Pointer[models.CapabilityDocument]

	loadMu  sync.Mutex // serializes load attempts
	lastMod time.Time  // modtime of the last successful load

	subsMu sync.Mutex
	subs   []func(ReloadEvent)

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	running bool
}

// Option configures a FileSource.
type Option func(*FileSource)

// WithMissingFilePolicy overrides the default ServeEmpty policy.
func WithMissingFilePolicy(p MissingFilePolicy) Option {
	return func(s *FileSource) { s.policy = p }
}

// WithDebounce overrides the reload debounce window.
func WithDebounce(d time.Duration) Option {
	return func(s *FileSource) { s.debounce = d }
}

// NewFileSource creates a source for the given capability file.
func NewFileSource(path string, opts ...Option) *FileSource {
	s := &FileSource{
		path:     path,
		policy:   ServeEmpty,
		debounce: DefaultDebounce,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Document returns the currently active document, or nil before the first
// successful load. The returned document must be treated as immutable.
func (s *FileSource) Document() *models.CapabilityDocument {
	return s.doc.Load()
}

// Load returns the cached document when the file's modification time has not
// advanced past the last successful load; otherwise it re-reads, parses,
// validates, and atomically swaps the cache. A document that fails
// validation is rejected whole and the previous document stays active.
func (s *FileSource) Load(ctx context.Context) (*models.CapabilityDocument, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if s.policy == FailOnMissing {
				return nil, fmt.Errorf("capability file %s: %w", s.path, err)
			}
			log.Warn().Str("path", s.path).Msg("capability file missing, serving empty document")
			s.doc.Store(emptyDocument)
			return emptyDocument, nil
		}
		return nil, fmt.Errorf("stat capability file: %w", err)
	}

	if cached := s.doc.Load(); cached != nil && !info.ModTime().After(s.lastMod) {
		return cached, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read capability file: %w", err)
	}

	var doc models.CapabilityDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse capability file: %w", err)
	}
	if doc.Agents == nil {
		doc.Agents = map[string]*models.AgentCapability{}
	}
	for agentType, cap := range doc.Agents {
		if cap != nil && cap.Name == "" {
			cap.Name = agentType
		}
		if cap != nil && cap.LastUpdated.IsZero() {
			cap.LastUpdated = info.ModTime()
		}
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	s.doc.Store(&doc)
	s.lastMod = info.ModTime()

	log.Info().
		Str("path", s.path).
		Str("doc_version", doc.Version).
		Int("agent_types", len(doc.Agents)).
		Msg("capability document loaded")
	return &doc, nil
}

// Subscribe registers a callback invoked after every reload attempt.
func (s *FileSource) Subscribe(fn func(ReloadEvent)) {
	s.subsMu.Lock()
	s.subs = append(s.subs, fn)
	s.subsMu.Unlock()
}

// Bind subscribes a registry so that every successful reload applies the new
// document to it.
func (s *FileSource) Bind(reg *Registry) {
	s.Subscribe(func(ev ReloadEvent) {
		if !ev.Success {
			return
		}
		if doc := s.Document(); doc != nil {
			reg.ApplyDocument(doc)
		}
	})
}

// Watch starts the file watcher. Change notifications are debounced into a
// single reload; reload outcomes are published to subscribers.
func (s *FileSource) Watch(ctx context.Context) error {
	s.loadMu.Lock()
	if s.running {
		s.loadMu.Unlock()
		return nil
	}
	s.running = true
	s.loadMu.Unlock()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create capability watcher: %w", err)
	}
	// Watch the directory: editors often replace the file via rename, which
	// drops a watch registered on the file itself.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch capability dir: %w", err)
	}
	s.watcher = w

	go s.watchLoop(ctx)

	log.Info().Str("path", s.path).Dur("debounce", s.debounce).Msg("capability watch started")
	return nil
}

// Stop halts the watcher.
func (s *FileSource) Stop() {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *FileSource) watchLoop(ctx context.Context) {
	var timer *time.Timer
	var pending <-chan time.Time

	base := filepath.Base(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(s.debounce)
				pending = timer.C
			} else {
				timer.Reset(s.debounce)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", s.path).Msg("capability watcher error")
		case <-pending:
			timer = nil
			pending = nil
			s.reload(ctx)
		}
	}
}

func (s *FileSource) reload(ctx context.Context) {
	_, err := s.Load(ctx)
	ev := ReloadEvent{
		Path:      s.path,
		Timestamp: time.Now().UTC(),
		Success:   err == nil,
		Err:       err,
	}
	if err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("capability reload failed, previous document stays active")
	}

	s.subsMu.Lock()
	subs := make([]func(ReloadEvent), len(s.subs))
	copy(subs, s.subs)
	s.subsMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}
