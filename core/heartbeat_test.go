package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type stubReporter struct {
	calls       int32
	genesisHash string
	err         error
	block       chan struct{} // if non-nil, ReportHeartbeat waits on this before returning
}

func (s *stubReporter) ReportHeartbeat(ctx context.Context, endpoint string, payload HeartbeatPayload) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.block != nil {
		<-s.block
	}
	return s.genesisHash, s.err
}

type stubGenesisSwitcher struct {
	switchedTo []string
	err        error
}

func (s *stubGenesisSwitcher) SwitchActiveGenesis(genesisHash string) error {
	s.switchedTo = append(s.switchedTo, genesisHash)
	return s.err
}

func testPayload() HeartbeatPayload {
	return HeartbeatPayload{Onion: "self.onion", ChainSummary: ChainManifest{Length: 1}}
}

func TestReportDeliversAndResetsFailureCount(t *testing.T) {
	reporter := &stubReporter{}
	loop := NewHeartbeatLoop(nil, reporter, nil, "http://directory/api/relays", time.Minute, testPayload)

	out := loop.Report(context.Background())
	if !out.Delivered {
		t.Fatalf("expected delivered, got %+v", out)
	}
	if loop.consecutiveFailures != 0 {
		t.Fatalf("expected failure count reset, got %d", loop.consecutiveFailures)
	}
}

func TestReportRecordsFailureAndBackoff(t *testing.T) {
	reporter := &stubReporter{err: errors.New("connection refused")}
	loop := NewHeartbeatLoop(nil, reporter, nil, "http://directory/api/relays", time.Minute, testPayload)

	out := loop.Report(context.Background())
	if out.Delivered {
		t.Fatalf("expected not delivered")
	}
	if out.ConsecutiveFailures != 1 {
		t.Fatalf("consecutiveFailures=%d want 1", out.ConsecutiveFailures)
	}
	if out.BackoffMs <= 0 {
		t.Fatalf("expected positive backoff, got %d", out.BackoffMs)
	}

	out2 := loop.Report(context.Background())
	if out2.ConsecutiveFailures != 2 {
		t.Fatalf("consecutiveFailures=%d want 2", out2.ConsecutiveFailures)
	}
}

func TestReportSwitchesGenesisOnMismatch(t *testing.T) {
	reporter := &stubReporter{genesisHash: "new-genesis-hash"}
	switcher := &stubGenesisSwitcher{}
	loop := NewHeartbeatLoop(nil, reporter, switcher, "http://directory/api/relays", time.Minute, testPayload)

	out := loop.Report(context.Background())
	if out.GenesisMismatch != "new-genesis-hash" {
		t.Fatalf("expected genesis mismatch recorded, got %+v", out)
	}
	if len(switcher.switchedTo) != 1 || switcher.switchedTo[0] != "new-genesis-hash" {
		t.Fatalf("expected switcher invoked once with new hash, got %v", switcher.switchedTo)
	}
}

func TestReportIsSingleFlight(t *testing.T) {
	block := make(chan struct{})
	reporter := &stubReporter{block: block}
	loop := NewHeartbeatLoop(nil, reporter, nil, "http://directory/api/relays", time.Minute, testPayload)

	done := make(chan ReportOutcome, 2)
	go func() { done <- loop.Report(context.Background()) }()
	// Give the first call time to register as in-flight before the second joins it.
	time.Sleep(20 * time.Millisecond)
	go func() { done <- loop.Report(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(block)

	first := <-done
	second := <-done
	if !first.Delivered || !second.Delivered {
		t.Fatalf("expected both callers to observe delivery, got %+v %+v", first, second)
	}
	if atomic.LoadInt32(&reporter.calls) != 1 {
		t.Fatalf("expected exactly one underlying report call, got %d", reporter.calls)
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	reporter := &stubReporter{}
	loop := NewHeartbeatLoop(nil, reporter, nil, "http://directory/api/relays", time.Hour, testPayload)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop.Start(ctx)
	loop.Start(ctx) // no-op, already active
	loop.Stop()
	loop.Stop() // no-op, already stopped
}

func TestStartFiresReportBeforeFirstTimerTick(t *testing.T) {
	reporter := &stubReporter{}
	loop := NewHeartbeatLoop(nil, reporter, nil, "http://directory/api/relays", time.Hour, testPayload)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop.Start(ctx)
	defer loop.Stop()

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&reporter.calls) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected an immediate startup report, got %d calls", reporter.calls)
		}
		time.Sleep(time.Millisecond)
	}
}
