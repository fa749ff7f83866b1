package api

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// EventSink receives committed events outside the websocket fanout, e.g. an
// Azure storage queue.
type EventSink interface {
	Publish(ctx context.Context, ev domain.Event) error
}

type exporterConfig struct {
	bufferSize   int
	maxAttempts  int
	timeout      time.Duration
	retryInitial time.Duration
	retryMax     time.Duration
}

var defaultExporterConfig = exporterConfig{
	bufferSize:   1024,
	maxAttempts:  5,
	timeout:      30 * time.Second,
	retryInitial: 250 * time.Millisecond,
	retryMax:     30 * time.Second,
}

type exportJob struct {
	ev      domain.Event
	attempt int
}

// Exporter hands events to a sink from a single background worker so command
// latency never depends on the sink. Failed exports are retried with
// exponential backoff; events are dropped when the buffer is full.
type Exporter struct {
	cfg    exporterConfig
	sink   EventSink
	logger *log.Logger

	work    chan exportJob
	stop    chan struct{}
	workWG  sync.WaitGroup
	retryWG sync.WaitGroup

	mu      sync.Mutex
	closing bool
}

func NewExporter(sink EventSink, logger *log.Logger) *Exporter {
	return newExporter(sink, logger, defaultExporterConfig)
}

func newExporter(sink EventSink, logger *log.Logger, cfg exporterConfig) *Exporter {
	if logger == nil {
		logger = log.StandardLogger()
	}
	x := &Exporter{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		work:   make(chan exportJob, cfg.bufferSize),
		stop:   make(chan struct{}),
	}
	x.workWG.Add(1)
	go x.worker()
	return x
}

// Export queues ev without blocking.
func (x *Exporter) Export(ev domain.Event) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closing {
		return
	}
	select {
	case x.work <- exportJob{ev: ev}:
	default:
		x.logger.WithField("event", ev.Name).Warn("event export buffer saturated, dropping event")
	}
}

// Close stops the worker. Queued events that were not exported yet are lost.
func (x *Exporter) Close() {
	x.mu.Lock()
	if x.closing {
		x.mu.Unlock()
		return
	}
	x.closing = true
	close(x.stop)
	x.mu.Unlock()

	x.retryWG.Wait()
	close(x.work)
	x.workWG.Wait()
}

func (x *Exporter) worker() {
	defer x.workWG.Done()
	for job := range x.work {
		select {
		case <-x.stop:
			continue
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), x.cfg.timeout)
		err := x.sink.Publish(ctx, job.ev)
		cancel()
		if err == nil {
			continue
		}
		job.attempt++
		entry := x.logger.WithError(err).WithFields(log.Fields{"event": job.ev.Name, "attempt": job.attempt})
		if job.attempt >= x.cfg.maxAttempts {
			entry.Error("event export failed, giving up")
			continue
		}
		entry.Warn("event export failed, retrying")
		x.scheduleRetry(job)
	}
}

func (x *Exporter) scheduleRetry(job exportJob) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closing {
		return
	}
	delay := exponentialBackoff(job.attempt, x.cfg.retryInitial, x.cfg.retryMax)
	x.retryWG.Add(1)
	timer := time.NewTimer(delay)
	go func() {
		defer x.retryWG.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-x.stop:
			return
		}
		x.mu.Lock()
		defer x.mu.Unlock()
		if x.closing {
			return
		}
		select {
		case x.work <- job:
		default:
			x.logger.WithField("event", job.ev.Name).Warn("event export buffer saturated, dropping retry")
		}
	}()
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if attempt <= 0 {
		return initial
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
