package impact

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"LiteratureScanner/internal/domain"
)

const reloadDebounce = 250 * time.Millisecond

// Enricher serves lookups from the current table snapshot. Reloads swap the snapshot
// atomically, so readers never block.
type Enricher struct {
	table  atomic.Pointer[Table]
	logger *slog.Logger
}

// NewEnricher starts with table, or the built-in defaults when table is nil.
func NewEnricher(table *Table, logger *slog.Logger) *Enricher {
	if table == nil {
		table = Default()
	}
	e := &Enricher{logger: logger}
	e.table.Store(table)
	return e
}

// Swap replaces the reference table.
func (e *Enricher) Swap(table *Table) {
	if table != nil {
		e.table.Store(table)
	}
}

// Table returns the current snapshot.
func (e *Enricher) Table() *Table {
	return e.table.Load()
}

// Enrich returns a copy of record carrying the impact factor of its journal. A miss
// leaves the record as it was.
func (e *Enricher) Enrich(record domain.LiteratureRecord) domain.LiteratureRecord {
	out := record.Clone()
	entry, ok := e.table.Load().Lookup(record.Journal)
	if !ok {
		return out
	}
	factor := entry.Factor
	out.ImpactFactor = &factor
	out.ImpactFactorYear = entry.Year
	return out
}

// Watch reloads path whenever it changes until ctx is done. Invalid files are logged
// and the previous table stays active.
func (e *Enricher) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files on save, so the directory is watched rather than the file.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			reload = timer.C
		case <-reload:
			reload = nil
			e.reload(path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.warn("impact factor watcher error", "error", err)
		}
	}
}

func (e *Enricher) reload(path string) {
	table, err := LoadFile(path)
	if err != nil {
		e.warn("keep previous impact factors", "path", path, "error", err)
		return
	}
	e.Swap(table)
	if e.logger != nil {
		e.logger.Info("impact factors reloaded", "path", path, "journals", table.Len())
	}
}

func (e *Enricher) warn(msg string, args ...interface{}) {
	if e.logger != nil {
		e.logger.Warn(msg, args...)
	}
}
