package diskstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Message kinds stored in the failed queue. Commit payloads are the
// CBOR-encoded commit message; the others are small JSON blobs.
const (
	KindCommit    = "commit"
	KindHandle    = "handle"
	KindIdentity  = "identity"
	KindTombstone = "tombstone"
)

type FailedMessage struct {
	Kind    string `json:"kind"`
	Payload []byte `json:"payload"`
	Retries int    `json:"retries"`
}

// FailQueue is a durable keyed store of messages whose processing failed.
// Unlike the cursor it is written through on every change; entries are
// rare and losing one means losing the message entirely.
type FailQueue struct {
	path string

	lk      sync.Mutex
	entries map[string]FailedMessage
}

func LoadFailQueue(dir string) (*FailQueue, error) {
	q := &FailQueue{
		path:    filepath.Join(dir, "failed.json"),
		entries: make(map[string]FailedMessage),
	}

	b, err := os.ReadFile(q.path)
	switch {
	case os.IsNotExist(err):
		return q, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read fail queue: %w", err)
	}

	if err := json.Unmarshal(b, &q.entries); err != nil {
		return nil, fmt.Errorf("fail queue corrupt: %w", err)
	}
	return q, nil
}

func (q *FailQueue) Put(key, kind string, payload []byte) error {
	q.lk.Lock()
	defer q.lk.Unlock()

	ent, ok := q.entries[key]
	if !ok {
		ent = FailedMessage{Kind: kind, Payload: payload}
	}
	q.entries[key] = ent
	return q.save()
}

// Bump increments the retry counter and returns the new count.
func (q *FailQueue) Bump(key string) (int, error) {
	q.lk.Lock()
	defer q.lk.Unlock()

	ent, ok := q.entries[key]
	if !ok {
		return 0, nil
	}
	ent.Retries++
	q.entries[key] = ent
	return ent.Retries, q.save()
}

func (q *FailQueue) Remove(key string) error {
	q.lk.Lock()
	defer q.lk.Unlock()

	delete(q.entries, key)
	return q.save()
}

func (q *FailQueue) Len() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.entries)
}

// Entries returns a snapshot for draining at startup.
func (q *FailQueue) Entries() map[string]FailedMessage {
	q.lk.Lock()
	defer q.lk.Unlock()

	out := make(map[string]FailedMessage, len(q.entries))
	for k, v := range q.entries {
		out[k] = v
	}
	return out
}

func (q *FailQueue) save() error {
	return writeFileAtomic(q.path, q.entries)
}
