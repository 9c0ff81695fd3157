// Package diskstate persists the small bits of pipeline state that must
// survive restarts: the firehose cursor and the queue of messages whose
// handling failed.
package diskstate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Cursor writes are coalesced: losing the last few seconds of cursor on a
// crash just replays messages, and all handlers are idempotent.
const cursorFlushInterval = 15 * time.Second

// A persisted cursor older than this is ignored; the relay's replay window
// does not reach that far back anyway.
const cursorMaxAge = 72 * time.Hour

type cursorFile struct {
	Cursor  int64     `json:"cursor"`
	SavedAt time.Time `json:"savedAt"`
}

// CursorStore tracks the last processed firehose sequence number and
// flushes it to disk on a coalescing timer.
type CursorStore struct {
	path string

	lk     sync.Mutex
	cursor int64
	dirty  bool

	stop chan struct{}
	done chan struct{}
}

func LoadCursor(dir string) (*CursorStore, error) {
	cs := &CursorStore{
		path: filepath.Join(dir, "cursor.json"),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	b, err := os.ReadFile(cs.path)
	switch {
	case os.IsNotExist(err):
		// fresh start
	case err != nil:
		return nil, fmt.Errorf("failed to read cursor file: %w", err)
	default:
		var cf cursorFile
		if err := json.Unmarshal(b, &cf); err != nil {
			slog.Warn("cursor file corrupt, starting over", "path", cs.path, "error", err)
		} else if time.Since(cf.SavedAt) > cursorMaxAge {
			slog.Warn("cursor file too old, starting over", "savedAt", cf.SavedAt)
		} else {
			cs.cursor = cf.Cursor
		}
	}

	go cs.run()

	return cs, nil
}

func (cs *CursorStore) run() {
	defer close(cs.done)

	tick := time.NewTicker(cursorFlushInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if err := cs.Flush(); err != nil {
				slog.Error("failed to flush cursor", "error", err)
			}
		case <-cs.stop:
			if err := cs.Flush(); err != nil {
				slog.Error("failed to flush cursor on shutdown", "error", err)
			}
			return
		}
	}
}

func (cs *CursorStore) Get() int64 {
	cs.lk.Lock()
	defer cs.lk.Unlock()
	return cs.cursor
}

// Set advances the cursor. Values lower than the current cursor are
// ignored so concurrent completions keep it monotonic.
func (cs *CursorStore) Set(seq int64) {
	cs.lk.Lock()
	defer cs.lk.Unlock()
	if seq <= cs.cursor {
		return
	}
	cs.cursor = seq
	cs.dirty = true
}

func (cs *CursorStore) Flush() error {
	cs.lk.Lock()
	if !cs.dirty {
		cs.lk.Unlock()
		return nil
	}
	cf := cursorFile{Cursor: cs.cursor, SavedAt: time.Now()}
	cs.dirty = false
	cs.lk.Unlock()

	return writeFileAtomic(cs.path, cf)
}

// Close flushes any pending cursor and stops the flusher.
func (cs *CursorStore) Close() {
	close(cs.stop)
	<-cs.done
}

func writeFileAtomic(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
