package core

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func tmpWriteQueue(t *testing.T) (*WriteQueue, *BlockLedger) {
	t.Helper()
	led := tmpLedger(t)
	wq, err := NewWriteQueue(nil, led, nil, nil, t.TempDir())
	if err != nil {
		t.Fatalf("new write queue: %v", err)
	}
	return wq, led
}

func TestAcceptLetterCommitsAndResolves(t *testing.T) {
	wq, led := tmpWriteQueue(t)
	block, err := wq.AcceptLetter(json.RawMessage(`"hello"`), "FP1", nil)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if block.Index != 1 {
		t.Fatalf("index=%d want 1", block.Index)
	}
	if led.Length() != 2 {
		t.Fatalf("ledger length=%d want 2", led.Length())
	}
}

func TestAcceptLetterRejectsMissingFields(t *testing.T) {
	wq, _ := tmpWriteQueue(t)
	if _, err := wq.AcceptLetter(nil, "FP1", nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
	if _, err := wq.AcceptLetter(json.RawMessage(`"x"`), "", nil); err == nil {
		t.Fatalf("expected error for empty fingerprint")
	}
}

func TestGetQueueStatusReflectsPending(t *testing.T) {
	wq, _ := tmpWriteQueue(t)
	status := wq.GetQueueStatus()
	if status.PendingCount != 0 {
		t.Fatalf("pending=%d want 0", status.PendingCount)
	}
}

func TestClearQueueRejectsWaiters(t *testing.T) {
	wq, _ := tmpWriteQueue(t)

	wq.mu.Lock()
	entry := PendingEntry{ID: "stuck", EnqueuedAt: nowISO(), OwnerFingerprint: "FP"}
	wq.queue = append(wq.queue, entry)
	fut := &letterFuture{done: make(chan struct{})}
	wq.waiters[entry.ID] = fut
	wq.mu.Unlock()

	wq.ClearQueue()

	select {
	case <-fut.done:
	case <-time.After(time.Second):
		t.Fatalf("waiter never resolved")
	}
	if fut.err == nil {
		t.Fatalf("expected cancellation error")
	}
	status := wq.GetQueueStatus()
	if status.PendingCount != 0 {
		t.Fatalf("pending=%d want 0", status.PendingCount)
	}
}

func TestWriteQueuePersistsAcrossLoad(t *testing.T) {
	led := tmpLedger(t)
	dir := filepath.Join(t.TempDir())
	wq, err := NewWriteQueue(nil, led, nil, nil, dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	wq.EnqueueReplayed(json.RawMessage(`"A"`), "FPA", 3)
	time.Sleep(50 * time.Millisecond) // allow drain to commit

	wq2, err := NewWriteQueue(nil, led, nil, nil, dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	status := wq2.GetQueueStatus()
	if status.PendingCount != 0 {
		t.Fatalf("expected drained queue on reload, got %d", status.PendingCount)
	}
}
