package kurir

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// PolicyFile is the on-disk policy document:
//
//	routes:
//	  - prefix: https://api.example.com/repositories/
//	    action: allow
//	    operations: [READ]
//	    bucket: repositories
//	    ttl: 30s
//	  - prefix: /consumers/
//	    action: transform
//	    rewrite: https://mirror.example.com/consumers/
type PolicyFile struct {
	Routes []PolicyRoute `yaml:"routes" json:"routes"`
}

// PolicyRoute is one route of a policy file.
type PolicyRoute struct {
	Prefix     string            `yaml:"prefix" json:"prefix"`
	Action     string            `yaml:"action" json:"action"`
	Operations []string          `yaml:"operations,omitempty" json:"operations,omitempty"`
	Bucket     string            `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	TTL        string            `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	Rewrite    string            `yaml:"rewrite,omitempty" json:"rewrite,omitempty"`
	Header     map[string]string `yaml:"header,omitempty" json:"header,omitempty"`
	Reason     string            `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// NewPolicyRoute renders a route entry in file form.
func NewPolicyRoute(e RouteEntry) PolicyRoute {
	d := e.Decision
	r := PolicyRoute{
		Prefix:  e.Prefix,
		Action:  d.Action.String(),
		Bucket:  d.Bucket,
		Rewrite: d.Rewrite,
		Reason:  d.Reason,
	}
	for _, op := range d.Operations {
		r.Operations = append(r.Operations, op.String())
	}
	if d.TTL > 0 {
		r.TTL = d.TTL.String()
	}
	if len(d.Header) > 0 {
		r.Header = make(map[string]string, len(d.Header))
		for k := range d.Header {
			r.Header[k] = d.Header.Get(k)
		}
	}
	return r
}

// Entry converts the route to a trie entry.
func (r PolicyRoute) Entry() (RouteEntry, error) {
	action, err := ParseAction(r.Action)
	if err != nil {
		return RouteEntry{}, err
	}

	d := Decision{
		Action:  action,
		Bucket:  r.Bucket,
		Rewrite: r.Rewrite,
		Reason:  r.Reason,
	}
	for _, name := range r.Operations {
		op, ok := ParseOperation(name)
		if !ok {
			return RouteEntry{}, fmt.Errorf("%w: unknown operation %q", ErrInvalidPolicy, name)
		}
		d.Operations = append(d.Operations, op)
	}
	if r.TTL != "" {
		ttl, err := time.ParseDuration(r.TTL)
		if err != nil {
			return RouteEntry{}, fmt.Errorf("%w: ttl %q: %w", ErrInvalidPolicy, r.TTL, err)
		}
		d.TTL = ttl
	}
	if len(r.Header) > 0 {
		d.Header = make(http.Header, len(r.Header))
		for k, v := range r.Header {
			d.Header.Set(k, v)
		}
	}
	if err := d.validate(); err != nil {
		return RouteEntry{}, err
	}
	return RouteEntry{Prefix: r.Prefix, Decision: d}, nil
}

// ParsePolicy decodes a YAML (or JSON) policy document. Unknown keys are rejected.
func ParsePolicy(data []byte) ([]RouteEntry, error) {
	var file PolicyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}

	entries := make([]RouteEntry, 0, len(file.Routes))
	for i, r := range file.Routes {
		e, err := r.Entry()
		if err != nil {
			return nil, fmt.Errorf("route %d (%q): %w", i, r.Prefix, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// LoadPolicy reads and parses a policy file.
func LoadPolicy(path string) ([]RouteEntry, error) {
	// #nosec G304 -- path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// MarshalPolicy renders entries as a YAML policy document.
func MarshalPolicy(entries []RouteEntry) ([]byte, error) {
	file := PolicyFile{Routes: make([]PolicyRoute, 0, len(entries))}
	for _, e := range entries {
		file.Routes = append(file.Routes, NewPolicyRoute(e))
	}
	return yaml.Marshal(file)
}

// PolicyWatcherConfig configures a PolicyWatcher.
type PolicyWatcherConfig struct {
	// Debounce coalesces bursts of file events. Defaults to 100ms.
	Debounce time.Duration
	// OnReload is called after every reload attempt.
	OnReload func(error)
	Logger   Logger
	Metrics  *MetricsCollector
}

// PolicyWatcher keeps a PolicyTrie in sync with a policy file. A file that
// fails to parse leaves the current policy in place.
type PolicyWatcher struct {
	path    string
	trie    *PolicyTrie
	config  PolicyWatcherConfig
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// WatchPolicy loads path into trie and reloads it whenever the file changes.
// The initial load must succeed.
func WatchPolicy(path string, trie *PolicyTrie, config PolicyWatcherConfig) (*PolicyWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve policy path: %w", err)
	}
	if config.Debounce <= 0 {
		config.Debounce = 100 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = NewNopLogger()
	}

	w := &PolicyWatcher{path: abs, trie: trie, config: config, done: make(chan struct{})}
	if err := w.Reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create policy watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch policy directory: %w", err)
	}
	w.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.loop(ctx)
	return w, nil
}

// Reload reads the file and atomically replaces the trie's routes.
func (w *PolicyWatcher) Reload() error {
	entries, err := LoadPolicy(w.path)
	if err == nil {
		err = w.trie.Replace(entries)
	}

	w.config.Metrics.RecordPolicyReload(err)
	if err != nil {
		w.config.Logger.Error("Policy reload failed", "path", w.path, "error", err)
	} else {
		w.config.Logger.Info("Policy loaded", "path", w.path, "routes", len(entries))
	}
	if w.config.OnReload != nil {
		w.config.OnReload(err)
	}
	return err
}

func (w *PolicyWatcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Warn("Policy watcher error", "error", err)
		}
	}
}

func (w *PolicyWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.config.Debounce, func() { _ = w.Reload() })
}

// Close stops watching. The trie keeps its last loaded routes.
func (w *PolicyWatcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}
