package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	data "github.com/bluesky-social/indigo/atproto/atdata"
	"github.com/bluesky-social/indigo/events"
	"github.com/gorilla/websocket"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/skymirror/skymirror/diskstate"
	"github.com/skymirror/skymirror/ratelimit"
)

type Server struct {
	backend *Backend
	cursor  *diskstate.CursorStore
	failed  *diskstate.FailQueue
	sched   *ratelimit.Scheduler

	verbose bool

	eventCount int64

	epsLk   sync.Mutex
	lastEPS float64
}

type SyncConfig struct {
	Backends []SyncBackend `json:"backends"`
}

type SyncBackend struct {
	Type       string `json:"type"`
	Host       string `json:"host"`
	MaxWorkers int    `json:"max_workers,omitempty"`
}

func (s *Server) StartSyncEngine(ctx context.Context, sc *SyncConfig) error {
	for _, be := range sc.Backends {
		switch be.Type {
		case "firehose":
			go s.runSyncFirehose(ctx, be)
		case "jetstream":
			go s.runSyncJetstream(ctx, be)
		default:
			return fmt.Errorf("unrecognized sync backend type: %q", be.Type)
		}
	}

	<-ctx.Done()
	return fmt.Errorf("exiting sync routine")
}

const failureTimeInterval = time.Second * 5

func (s *Server) runSyncFirehose(ctx context.Context, be SyncBackend) {
	var failures int
	for {
		if ctx.Err() != nil {
			return
		}

		maxWorkers := 10
		if be.MaxWorkers != 0 {
			maxWorkers = be.MaxWorkers
		}

		start := time.Now()
		if err := s.liveTail(ctx, be.Host, maxWorkers); err != nil {
			slog.Error("firehose connection lost", "host", be.Host, "error", err)
		}

		if time.Since(start) > failureTimeInterval {
			failures = 0
			continue
		}
		failures++

		delay := delayForFailureCount(failures)
		slog.Warn("retrying connection after delay", "host", be.Host, "delay", delay)
		time.Sleep(delay)
	}
}

func delayForFailureCount(n int) time.Duration {
	if n < 5 {
		return (time.Second * 5) + (time.Second * 2 * time.Duration(n))
	}

	return time.Second * 30
}

func (s *Server) liveTail(ctx context.Context, host string, workers int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	curs := s.cursor.Get()
	slog.Info("starting live tail", "host", host, "cursor", curs)

	urlStr := fmt.Sprintf("wss://%s/xrpc/com.atproto.sync.subscribeRepos", host)
	if curs > 0 {
		urlStr += fmt.Sprintf("?cursor=%d", curs)
	}

	d := websocket.DefaultDialer
	con, _, err := d.Dial(urlStr, http.Header{
		"User-Agent": []string{"skymirror/0.0.1"},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	defer con.Close()

	var lelk sync.Mutex
	lastEvent := time.Now()

	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				lelk.Lock()
				let := lastEvent
				lelk.Unlock()

				if time.Since(let) > time.Second*30 {
					slog.Error("firehose connection timed out")
					con.Close()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		tick := time.NewTicker(throttleWindow)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				s.adjustThrottle()
			case <-ctx.Done():
				return
			}
		}
	}()

	// per-repo sharding keeps a single repo's commits in order while
	// distinct repos process concurrently
	chans := make([]chan *streamMsg, workers)
	var wg sync.WaitGroup
	for i := range chans {
		chans[i] = make(chan *streamMsg, 64)
		wg.Add(1)
		go func(ch chan *streamMsg) {
			defer wg.Done()
			for msg := range ch {
				s.handleMessage(ctx, msg)
			}
		}(chans[i])
	}
	defer func() {
		for _, ch := range chans {
			close(ch)
		}
		wg.Wait()
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		mt, frame, err := con.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}

		lelk.Lock()
		lastEvent = time.Now()
		lelk.Unlock()
		atomic.AddInt64(&s.eventCount, 1)

		msg, err := decodeFrame(frame)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}

		firehoseCursorGauge.WithLabelValues("ingest").Set(float64(msg.seq))
		chans[shardFor(msg.key, workers)] <- msg
	}
}

func shardFor(key string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % workers
}

type handleUpdate struct {
	Did    string `json:"did"`
	Handle string `json:"handle"`
}

type streamMsg struct {
	seq int64
	key string

	commit    *atproto.SyncSubscribeRepos_Commit
	identity  *atproto.SyncSubscribeRepos_Identity
	account   *atproto.SyncSubscribeRepos_Account
	handleUpd *handleUpdate
	tombstone string
}

// decodeFrame parses one websocket frame into a routable message. A nil
// return with nil error means the frame carried nothing to process. A
// non-nil error is terminal for the connection.
func decodeFrame(frame []byte) (*streamMsg, error) {
	br := bytes.NewReader(frame)
	cr := cbg.NewCborReader(br)

	var header events.EventHeader
	if err := header.UnmarshalCBOR(cr); err != nil {
		return nil, fmt.Errorf("parsing frame header: %w", err)
	}

	if header.Op == events.EvtKindErrorFrame {
		var ef events.ErrorFrame
		if err := ef.UnmarshalCBOR(cr); err != nil {
			return nil, fmt.Errorf("parsing error frame: %w", err)
		}
		return nil, fmt.Errorf("error frame: %s: %s", ef.Error, ef.Message)
	}
	if header.Op != events.EvtKindMessage {
		return nil, fmt.Errorf("unexpected frame op: %d", header.Op)
	}

	switch header.MsgType {
	case "#commit":
		var evt atproto.SyncSubscribeRepos_Commit
		if err := evt.UnmarshalCBOR(cr); err != nil {
			return nil, fmt.Errorf("parsing commit body: %w", err)
		}
		return &streamMsg{seq: evt.Seq, key: evt.Repo, commit: &evt}, nil
	case "#identity":
		var evt atproto.SyncSubscribeRepos_Identity
		if err := evt.UnmarshalCBOR(cr); err != nil {
			return nil, fmt.Errorf("parsing identity body: %w", err)
		}
		return &streamMsg{seq: evt.Seq, key: evt.Did, identity: &evt}, nil
	case "#account":
		var evt atproto.SyncSubscribeRepos_Account
		if err := evt.UnmarshalCBOR(cr); err != nil {
			return nil, fmt.Errorf("parsing account body: %w", err)
		}
		return &streamMsg{seq: evt.Seq, key: evt.Did, account: &evt}, nil
	case "#handle", "#tombstone":
		// legacy messages, no generated types at this lexicon version
		rest, err := io.ReadAll(br)
		if err != nil {
			return nil, err
		}
		obj, err := data.UnmarshalCBOR(rest)
		if err != nil {
			return nil, fmt.Errorf("parsing %s body: %w", header.MsgType, err)
		}
		seq, _ := obj["seq"].(int64)
		did, _ := obj["did"].(string)
		if did == "" {
			return nil, fmt.Errorf("%s message missing did", header.MsgType)
		}
		msg := &streamMsg{seq: seq, key: did}
		if header.MsgType == "#handle" {
			handle, _ := obj["handle"].(string)
			msg.handleUpd = &handleUpdate{Did: did, Handle: handle}
		} else {
			msg.tombstone = did
		}
		return msg, nil
	case "#info":
		var evt atproto.SyncSubscribeRepos_Info
		if err := evt.UnmarshalCBOR(cr); err != nil {
			return nil, fmt.Errorf("parsing info body: %w", err)
		}
		slog.Info("relay info frame", "name", evt.Name)
		return nil, nil
	default:
		slog.Debug("unrecognized message type", "type", header.MsgType)
		return nil, nil
	}
}

// handleMessage runs on a worker. Failures are captured durably before
// the cursor advances past the message.
func (s *Server) handleMessage(ctx context.Context, msg *streamMsg) {
	if err := s.processMessage(ctx, msg); err != nil {
		slog.Error("failed to handle message", "seq", msg.seq, "key", msg.key, "error", err)
		s.captureFailure(msg)
	}

	if msg.seq > 0 {
		s.cursor.Set(msg.seq)
		firehoseCursorGauge.WithLabelValues("complete").Set(float64(msg.seq))
	}
}

func (s *Server) processMessage(ctx context.Context, msg *streamMsg) error {
	switch {
	case msg.commit != nil:
		if err := s.backend.HandleCommit(ctx, msg.commit); err != nil {
			return fmt.Errorf("handle commit (%s,%d): %w", msg.commit.Repo, msg.seq, err)
		}
		return nil
	case msg.identity != nil:
		return s.backend.HandleIdentity(ctx, msg.identity.Did)
	case msg.account != nil:
		if msg.account.Active {
			return nil
		}
		if msg.account.Status != nil && *msg.account.Status == "deleted" {
			return s.backend.HandleTombstone(ctx, msg.account.Did)
		}
		return nil
	case msg.handleUpd != nil:
		return s.backend.HandleUpdateHandle(ctx, msg.handleUpd.Did, msg.handleUpd.Handle)
	case msg.tombstone != "":
		return s.backend.HandleTombstone(ctx, msg.tombstone)
	}
	return nil
}

func (s *Server) captureFailure(msg *streamMsg) {
	key, kind, payload, err := encodeFailed(msg)
	if err != nil {
		slog.Error("failed to encode message for retry queue", "key", key, "error", err)
		return
	}
	if key == "" {
		return
	}

	if err := s.failed.Put(key, kind, payload); err != nil {
		slog.Error("failed to persist retry queue entry", "key", key, "error", err)
		return
	}
	failedQueueGauge.Set(float64(s.failed.Len()))
}

func encodeFailed(msg *streamMsg) (string, string, []byte, error) {
	switch {
	case msg.commit != nil:
		buf := new(bytes.Buffer)
		if err := msg.commit.MarshalCBOR(buf); err != nil {
			return "", "", nil, err
		}
		return msg.commit.Repo + "::" + msg.commit.Rev, diskstate.KindCommit, buf.Bytes(), nil
	case msg.identity != nil:
		b, err := json.Marshal(handleUpdate{Did: msg.identity.Did})
		return msg.identity.Did + "::identity", diskstate.KindIdentity, b, err
	case msg.account != nil:
		b, err := json.Marshal(handleUpdate{Did: msg.account.Did})
		return msg.account.Did + "::tombstone", diskstate.KindTombstone, b, err
	case msg.handleUpd != nil:
		b, err := json.Marshal(msg.handleUpd)
		return msg.handleUpd.Did + "::handle", diskstate.KindHandle, b, err
	case msg.tombstone != "":
		b, err := json.Marshal(handleUpdate{Did: msg.tombstone})
		return msg.tombstone + "::tombstone", diskstate.KindTombstone, b, err
	}
	return "", "", nil, nil
}

const maxFailedRetries = 3

// drainFailed replays everything captured during previous runs before
// the live tail starts.
func (s *Server) drainFailed(ctx context.Context) {
	entries := s.failed.Entries()
	if len(entries) == 0 {
		return
	}
	slog.Info("draining failed message queue", "entries", len(entries))

	for key, ent := range entries {
		err := s.retryFailed(ctx, ent)
		if err == nil {
			if err := s.failed.Remove(key); err != nil {
				slog.Error("failed to remove drained entry", "key", key, "error", err)
			}
			continue
		}

		slog.Warn("failed message retry unsuccessful", "key", key, "retries", ent.Retries, "error", err)
		n, berr := s.failed.Bump(key)
		if berr != nil {
			slog.Error("failed to bump retry counter", "key", key, "error", berr)
			continue
		}
		if n >= maxFailedRetries {
			slog.Error("dropping failed message after too many retries", "key", key, "kind", ent.Kind)
			if err := s.failed.Remove(key); err != nil {
				slog.Error("failed to remove dropped entry", "key", key, "error", err)
			}
		}
	}

	failedQueueGauge.Set(float64(s.failed.Len()))
}

func (s *Server) retryFailed(ctx context.Context, ent diskstate.FailedMessage) error {
	switch ent.Kind {
	case diskstate.KindCommit:
		var evt atproto.SyncSubscribeRepos_Commit
		if err := evt.UnmarshalCBOR(bytes.NewReader(ent.Payload)); err != nil {
			return fmt.Errorf("decoding queued commit: %w", err)
		}
		return s.backend.HandleCommit(ctx, &evt)
	case diskstate.KindHandle:
		var h handleUpdate
		if err := json.Unmarshal(ent.Payload, &h); err != nil {
			return err
		}
		return s.backend.HandleUpdateHandle(ctx, h.Did, h.Handle)
	case diskstate.KindIdentity:
		var h handleUpdate
		if err := json.Unmarshal(ent.Payload, &h); err != nil {
			return err
		}
		return s.backend.HandleIdentity(ctx, h.Did)
	case diskstate.KindTombstone:
		var h handleUpdate
		if err := json.Unmarshal(ent.Payload, &h); err != nil {
			return err
		}
		return s.backend.HandleTombstone(ctx, h.Did)
	default:
		return fmt.Errorf("unrecognized queued message kind: %q", ent.Kind)
	}
}

// Event-rate thresholds for throttling resolver fan-out while the
// firehose is hot.
const (
	throttleWindow = 15 * time.Second

	hotEPS  = 350
	warmEPS = 280

	hotMinTime  = 750 * time.Millisecond
	warmMinTime = 300 * time.Millisecond
)

func throttleTarget(eps float64, baseline time.Duration) time.Duration {
	switch {
	case eps >= hotEPS:
		return hotMinTime
	case eps >= warmEPS:
		return warmMinTime
	default:
		return baseline
	}
}

func (s *Server) adjustThrottle() {
	n := atomic.SwapInt64(&s.eventCount, 0)
	eps := float64(n) / throttleWindow.Seconds()
	eventRateGauge.Set(eps)

	s.epsLk.Lock()
	s.lastEPS = eps
	s.epsLk.Unlock()

	target := throttleTarget(eps, s.sched.Baseline())
	if target != s.sched.MinTime() {
		slog.Info("adjusting outbound pacing", "eps", eps, "minTime", target)
		s.sched.SetMinTime(target)
	}

	if s.verbose {
		slog.Info("firehose event rate", "eps", eps)
	}
}
