package core

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DirectoryNotifier is the write pipeline's fire-and-forget report hook
// (§4.2 step 4). Failure is logged, never fatal to the write.
type DirectoryNotifier interface {
	NotifyBlockCommitted(block Block)
}

// letterFuture is the in-memory (unpersisted) waiter half of a queued entry.
// Only the PendingEntry itself survives a restart; a waiter from a previous
// process is gone, matching §4.2's "on restart, the persisted queue is
// loaded and processing resumes" — resumed entries simply have no one
// listening.
type letterFuture struct {
	done  chan struct{}
	block *Block
	err   error
}

// WriteQueue implements the relay write pipeline (§4.2): a single serialized
// worker over a FIFO, persisted-on-every-mutation queue. Its idle/draining
// state machine and crash-retry shape are grounded on the teacher's
// core/blockchain_synchronization.go SyncManager Start/Stop/loop pattern,
// adapted from a continuous fetch loop to a drain-until-empty worker.
type WriteQueue struct {
	log        *logrus.Logger
	ledger     *BlockLedger
	sync       *SyncEngine
	notifier   DirectoryNotifier
	path       string
	backoff    backoff.BackOff

	mu        sync.Mutex
	queue     []PendingEntry
	waiters   map[string]*letterFuture
	draining  bool
	lastErr   string
	processingAttempt int
}

// NewWriteQueue wires a write pipeline persisting to <relayDir>/pending-letters.json.
func NewWriteQueue(log *logrus.Logger, ledger *BlockLedger, engine *SyncEngine, notifier DirectoryNotifier, relayDir string) (*WriteQueue, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	wq := &WriteQueue{
		log:      log,
		ledger:   ledger,
		sync:     engine,
		notifier: notifier,
		path:     filepath.Join(relayDir, "pending-letters.json"),
		backoff:  backoff.NewConstantBackOff(DefaultRetryBackoff),
		waiters:  make(map[string]*letterFuture),
	}
	if err := wq.load(); err != nil {
		return nil, err
	}
	return wq, nil
}

func (q *WriteQueue) load() error {
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return transientIO("read queue: %v", err)
	}
	var file pendingQueueFile
	if err := json.Unmarshal(data, &file); err != nil {
		return invariantViolation("corrupt queue file: %v", err)
	}
	q.mu.Lock()
	q.queue = file.Queue
	q.mu.Unlock()
	return nil
}

type pendingQueueFile struct {
	Queue []PendingEntry `json:"queue"`
}

func (q *WriteQueue) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return transientIO("mkdir queue dir: %v", err)
	}
	data, err := json.MarshalIndent(pendingQueueFile{Queue: q.queue}, "", "  ")
	if err != nil {
		return invariantViolation("marshal queue: %v", err)
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return transientIO("write queue tmp: %v", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return transientIO("rename queue: %v", err)
	}
	return nil
}

// AcceptLetter enqueues payload and returns once it is committed (or
// permanently rejected), per §4.2's AcceptLetter(payload, ownerFingerprint,
// relayMetrics) -> future<Block>.
func (q *WriteQueue) AcceptLetter(payload json.RawMessage, ownerFingerprint string, relayMetrics map[string]any) (*Block, error) {
	if ownerFingerprint == "" {
		return nil, invalidInput("ownerFingerprint is required")
	}
	if len(payload) == 0 {
		return nil, invalidInput("payload is required")
	}

	entry := PendingEntry{
		ID:               uuid.NewString(),
		LetterPayload:    payload,
		OwnerFingerprint: ownerFingerprint,
		RelayMetrics:     relayMetrics,
		EnqueuedAt:       nowISO(),
	}
	future := &letterFuture{done: make(chan struct{})}

	q.mu.Lock()
	q.queue = append(q.queue, entry)
	q.waiters[entry.ID] = future
	if err := q.persistLocked(); err != nil {
		q.queue = q.queue[:len(q.queue)-1]
		delete(q.waiters, entry.ID)
		q.mu.Unlock()
		return nil, err
	}
	q.mu.Unlock()

	q.trigger()

	<-future.done
	return future.block, future.err
}

// EnqueueReplayed implements PendingAppender for the sync engine's fork
// recovery (§4.3 step 2): orphaned letters rejoin the queue tagged with the
// block they were replayed from, with no waiter to resolve.
func (q *WriteQueue) EnqueueReplayed(payload json.RawMessage, ownerFingerprint string, replayedFromBlock uint64) {
	entry := PendingEntry{
		ID:                uuid.NewString(),
		LetterPayload:     payload,
		OwnerFingerprint:  ownerFingerprint,
		EnqueuedAt:        nowISO(),
		ReplayedFromBlock: &replayedFromBlock,
	}
	q.mu.Lock()
	q.queue = append(q.queue, entry)
	if err := q.persistLocked(); err != nil {
		q.log.WithError(err).Error("failed to persist replayed letter")
	}
	q.mu.Unlock()
	q.trigger()
}

// QueueStatus is GetQueueStatus's response shape (§4.2).
type QueueStatus struct {
	PendingCount int            `json:"pendingCount"`
	Processing   bool           `json:"processing"`
	LastError    string         `json:"lastError,omitempty"`
	LastConflict *ConflictInfo  `json:"lastConflict,omitempty"`
	FirstEntries []PendingEntry `json:"firstEntries"`
}

// GetQueueStatus reports pending count, processing flag, last error, last
// conflict, and the first ten entries' metadata.
func (q *WriteQueue) GetQueueStatus() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.queue)
	first := n
	if first > 10 {
		first = 10
	}
	var lastConflict *ConflictInfo
	if q.sync != nil {
		lastConflict = q.sync.LastConflict()
	}
	return QueueStatus{
		PendingCount: n,
		Processing:   q.draining,
		LastError:    q.lastErr,
		LastConflict: lastConflict,
		FirstEntries: append([]PendingEntry{}, q.queue[:first]...),
	}
}

// ClearQueue rejects every pending entry with a cancellation error and
// drains the persistent queue.
func (q *WriteQueue) ClearQueue() {
	q.mu.Lock()
	pending := q.queue
	q.queue = nil
	waiters := q.waiters
	q.waiters = make(map[string]*letterFuture)
	_ = q.persistLocked()
	q.mu.Unlock()

	for _, entry := range pending {
		if fut, ok := waiters[entry.ID]; ok {
			fut.err = cancelled("queue cleared")
			close(fut.done)
		}
	}
}

// trigger is the idempotent "enter draining" edge: a call while already
// draining is a no-op (§4.2's state machine).
func (q *WriteQueue) trigger() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	go q.drain()
}

func (q *WriteQueue) drain() {
	defer func() {
		if r := recover(); r != nil {
			q.log.WithField("panic", r).Error("write worker crashed")
			q.mu.Lock()
			q.lastErr = "write worker crashed"
			q.draining = false
			pending := len(q.queue) > 0
			q.mu.Unlock()
			if pending {
				time.AfterFunc(DefaultRetryBackoff, q.trigger)
			}
		}
	}()
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		entry := q.queue[0]
		q.mu.Unlock()

		err := q.processOne(&entry)

		if err != nil && IsRetryable(err) {
			q.mu.Lock()
			q.lastErr = err.Error()
			delay := q.backoff.NextBackOff()
			q.mu.Unlock()
			if delay == backoff.Stop {
				delay = DefaultRetryBackoff
			}
			q.log.WithError(err).WithField("entryId", entry.ID).Warn("retryable write failure, backing off")
			time.Sleep(delay)
			continue
		}
		q.backoff.Reset()

		q.mu.Lock()
		if len(q.queue) > 0 && q.queue[0].ID == entry.ID {
			q.queue = q.queue[1:]
		}
		if err != nil {
			q.lastErr = err.Error()
		}
		_ = q.persistLocked()
		fut := q.waiters[entry.ID]
		delete(q.waiters, entry.ID)
		q.mu.Unlock()

		if fut != nil {
			fut.err = err
			close(fut.done)
		} else if err != nil {
			q.log.WithError(err).WithField("entryId", entry.ID).Error("permanently rejected letter with no waiter (replay/restart entry)")
		}
	}
}

// processOne runs the per-entry pipeline described in §4.2: increment
// attempts, pre-write sync, append, fire-and-forget report, resolve.
func (q *WriteQueue) processOne(entry *PendingEntry) error {
	q.mu.Lock()
	entry.Attempts++
	for i := range q.queue {
		if q.queue[i].ID == entry.ID {
			q.queue[i].Attempts = entry.Attempts
			break
		}
	}
	q.mu.Unlock()

	if q.sync != nil {
		res, err := q.sync.Sync(context.Background())
		if err != nil {
			return transientIO("pre-write sync failed: %v", err)
		}
		if res.Skipped && res.Reason != NoAlternateRelayReason {
			return syncBlocked(res.Reason)
		}
	}

	block, err := q.ledger.AppendLetterBlock(entry.LetterPayload, entry.OwnerFingerprint, entry.RelayMetrics)
	if err != nil {
		return err
	}

	if q.notifier != nil {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					q.log.WithField("panic", r).Error("directory notify panicked")
				}
			}()
			q.notifier.NotifyBlockCommitted(*block)
		}()
	}

	q.mu.Lock()
	fut := q.waiters[entry.ID]
	q.mu.Unlock()
	if fut != nil {
		fut.block = block
	}
	return nil
}
