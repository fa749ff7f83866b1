package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
)

type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []domain.Event
	done     chan struct{}
	want     int
}

func (s *flakySink) Publish(ctx context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("queue unavailable")
	}
	s.got = append(s.got, ev)
	if len(s.got) == s.want {
		close(s.done)
	}
	return nil
}

func testExporterConfig() exporterConfig {
	return exporterConfig{
		bufferSize:   4,
		maxAttempts:  3,
		timeout:      time.Second,
		retryInitial: time.Millisecond,
		retryMax:     5 * time.Millisecond,
	}
}

func TestExporterRetriesFailedPublish(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sink := &flakySink{failures: 2, want: 1, done: make(chan struct{})}
	x := newExporter(sink, logger, testExporterConfig())
	defer x.Close()

	x.Export(domain.TaskDeletedEvent("t1"))

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("event was not exported after retries")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", sink.calls)
	}
	if sink.got[0].TaskID != "t1" {
		t.Fatalf("unexpected event: %+v", sink.got[0])
	}
}

func TestExporterGivesUpAfterMaxAttempts(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sink := &flakySink{failures: 100, want: 1, done: make(chan struct{})}
	x := newExporter(sink, logger, testExporterConfig())

	x.Export(domain.TaskDeletedEvent("t1"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if e := hook.LastEntry(); e != nil && e.Message == "event export failed, giving up" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("exporter did not give up")
		}
		time.Sleep(5 * time.Millisecond)
	}
	x.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", sink.calls)
	}
}

func TestExporterExportAfterCloseIsNoop(t *testing.T) {
	sink := &flakySink{want: 1, done: make(chan struct{})}
	x := newExporter(sink, nil, testExporterConfig())
	x.Close()
	x.Close()
	x.Export(domain.TaskDeletedEvent("t1"))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.calls != 0 {
		t.Fatalf("expected no publish after close, got %d", sink.calls)
	}
}

func TestExponentialBackoffBounds(t *testing.T) {
	initial := 100 * time.Millisecond
	max := time.Second
	for attempt := 0; attempt < 10; attempt++ {
		d := exponentialBackoff(attempt, initial, max)
		if d <= 0 || d > max+max/5 {
			t.Fatalf("attempt %d: backoff %v out of bounds", attempt, d)
		}
	}
	if d := exponentialBackoff(0, initial, max); d != initial {
		t.Fatalf("first attempt should use the initial delay, got %v", d)
	}
}
