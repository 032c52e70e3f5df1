// Package history implements an append-only operational journal of
// capture outcomes, kept strictly separate from the capture directory
// itself so it never contradicts the "no index file" rule spec §6
// places on persisted artifacts.
package history

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/atomic"

	"github.com/fieldcam/camsync/internal/servicelog"
)

const fileName = "history.csv"

// Entry is one row of the journal: a completed capture's outcome.
type Entry struct {
	Session    string
	OK         bool
	Diagnostic string
	FrameCount int
	DurationMs int64
}

// Journal appends Entry rows to <dir>/history.csv and watches dir so
// an operator removing or renaming (rotating) the file out from under
// the process is noticed and the handle is reopened, rather than silently
// writing to a now-unlinked inode.
type Journal struct {
	logger     servicelog.Logger
	dir        string
	path       string
	mu         sync.Mutex
	file       *os.File
	writer     *csv.Writer
	lastUpdate atomic.Int64

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Open creates dir if needed and opens (or creates) the journal file
// for append, starting a folder watch on dir.
func Open(logger servicelog.Logger, dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fileName)

	j := &Journal{logger: logger, dir: dir, path: path, stopCh: make(chan struct{})}
	if err := j.openFile(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		j.file.Close()
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		j.file.Close()
		return nil, err
	}
	j.watcher = watcher
	go j.watchLoop()
	return j, nil
}

func (j *Journal) openFile() error {
	f, err := os.OpenFile(j.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if info, statErr := f.Stat(); statErr == nil && info.Size() == 0 {
		w := csv.NewWriter(f)
		w.Write([]string{"timestamp", "session", "ok", "diagnostic", "frame_count", "duration_ms"})
		w.Flush()
	}
	j.file = f
	j.writer = csv.NewWriter(f)
	return nil
}

// watchLoop reopens the journal file if it is removed or renamed out
// from under the process, adapted from the folder-watch discipline
// used elsewhere in this codebase for detecting externally-deleted
// media.
func (j *Journal) watchLoop() {
	for {
		select {
		case <-j.stopCh:
			return
		case ev, ok := <-j.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != fileName {
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				j.logger.Warn("history file removed externally, reopening", servicelog.String("path", ev.Name))
				j.mu.Lock()
				j.file.Close()
				if err := j.openFile(); err != nil {
					j.logger.Error("failed to reopen history file", servicelog.Error(err))
				}
				j.mu.Unlock()
			}
		case err, ok := <-j.watcher.Errors:
			if !ok {
				return
			}
			j.logger.Warn("history watcher error", servicelog.Error(err))
		}
	}
}

// Record appends one Entry and flushes it immediately; history rows
// are small and infrequent (one per capture), so batching is not
// worth the durability risk.
func (j *Journal) Record(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	row := []string{
		time.Now().UTC().Format(time.RFC3339Nano),
		e.Session,
		strconv.FormatBool(e.OK),
		e.Diagnostic,
		strconv.Itoa(e.FrameCount),
		strconv.FormatInt(e.DurationMs, 10),
	}
	if err := j.writer.Write(row); err != nil {
		return fmt.Errorf("history: write entry: %w", err)
	}
	j.writer.Flush()
	if err := j.writer.Error(); err != nil {
		return err
	}
	j.lastUpdate.Store(time.Now().UnixMilli())
	return nil
}

// LastUpdate reports when the most recent entry was recorded, as a
// monotonic-independent wall-clock Unix millisecond value.
func (j *Journal) LastUpdate() int64 {
	return j.lastUpdate.Load()
}

// Close stops the folder watch and closes the file.
func (j *Journal) Close() error {
	j.stopOnce.Do(func() { close(j.stopCh) })
	if j.watcher != nil {
		j.watcher.Close()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
