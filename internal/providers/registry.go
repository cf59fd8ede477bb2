package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Registry serves the current capability table. The built-in table can be
// extended by an operator file that is reloaded when it changes.
type Registry struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Table]
}

// NewRegistry loads the built-in table merged with the file at path, if
// path is non-empty.
func NewRegistry(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{path: path, logger: logger.With("component", "providers")}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticRegistry serves a fixed table.
func NewStaticRegistry(t *Table) *Registry {
	r := &Registry{logger: slog.Default()}
	r.current.Store(t)
	return r
}

// Reload rebuilds the table from the built-in defaults and the operator
// file. On error the previous table stays in effect.
func (r *Registry) Reload() error {
	t := Builtin()
	if r.path != "" {
		data, err := os.ReadFile(r.path)
		if err != nil {
			return fmt.Errorf("read provider file: %w", err)
		}
		override, err := ParseTable(data)
		if err != nil {
			return err
		}
		t = t.Merge(override)
	}
	r.current.Store(t)
	r.logger.Info("provider table loaded", "providers", len(t.Providers), "file", r.path)
	return nil
}

// Table returns the current table.
func (r *Registry) Table() *Table { return r.current.Load() }

// Lookup returns the capability of provider.
func (r *Registry) Lookup(provider string) (*Capability, bool) {
	c, ok := r.current.Load().Providers[provider]
	return c, ok
}

// Names lists known providers, sorted.
func (r *Registry) Names() []string { return r.current.Load().Names() }

// DefaultTimeout is the ceiling for providers without their own timeout.
func (r *Registry) DefaultTimeout() time.Duration {
	if d := r.current.Load().DefaultTimeout; d > 0 {
		return d
	}
	return 120 * time.Second
}

// NormalizeModel strips capability-variant suffixes from model.
func (r *Registry) NormalizeModel(model string) string {
	return NormalizeModel(model, r.current.Load().ModelSuffixes)
}

// NormalizeModel repeatedly strips any of suffixes from the end of model,
// so "m:online:free" and "m:free:online" both normalize to "m". A leading
// "models/" is removed.
func NormalizeModel(model string, suffixes []string) string {
	model = strings.TrimPrefix(strings.TrimSpace(model), "models/")
	for {
		stripped := false
		for _, s := range suffixes {
			if s != "" && len(model) > len(s) && strings.HasSuffix(model, s) {
				model = model[:len(model)-len(s)]
				stripped = true
			}
		}
		if !stripped {
			return model
		}
	}
}

// Watch reloads the table when the operator file changes, until ctx is
// cancelled. The parent directory is watched so that editors replacing the
// file by rename are seen.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	target := filepath.Clean(r.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	var debounce *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			if err := r.Reload(); err != nil {
				r.logger.Error("provider table reload failed, keeping previous table", "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("provider file watcher error", "error", err)
		}
	}
}
