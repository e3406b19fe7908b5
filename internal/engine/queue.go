// SPDX-License-Identifier: MIT

// Package engine adapts a pluggable transcription backend (GPU/ASR model)
// behind a lazy-load/idempotent-unload lifecycle and a priority worker
// queue, so finalization work for an active session is never starved
// behind realtime preview chunks or queued batch file uploads.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/voxgate/transcribe-server/internal/protocol"
)

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "transcribe",
			Name:      "engine_queue_size",
			Help:      "Current number of requests in the engine queue",
		},
		[]string{"priority"},
	)

	queueWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "transcribe",
			Name:      "engine_queue_wait_seconds",
			Help:      "Time spent waiting in the engine queue",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 8),
		},
		[]string{"priority"},
	)

	queueRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "transcribe",
			Name:      "engine_queue_rejections_total",
			Help:      "Total engine queue rejections",
		},
		[]string{"reason"}, // reason: "full|timeout"
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "transcribe",
			Name:      "engine_active_workers",
			Help:      "Number of active engine workers",
		},
	)

	transcribeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "transcribe",
			Name:      "engine_transcribe_seconds",
			Help:      "Duration of final transcription calls",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	loadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "transcribe",
			Name:      "engine_load_seconds",
			Help:      "Duration of engine load calls",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)
)

// Priority identifies the queue lane a request is dispatched on. Higher
// values are serviced first; finalization must never starve behind
// preview work.
type Priority int

const (
	PriorityPreview Priority = 0 // Realtime chunks (lowest priority)
	PriorityFile    Priority = 1 // Batch /api/transcribe/file uploads
	PriorityFinal   Priority = 2 // Session finalization (highest priority)
)

// String returns the priority's label used on Prometheus series.
func (p Priority) String() string {
	switch p {
	case PriorityPreview:
		return "preview"
	case PriorityFile:
		return "file"
	case PriorityFinal:
		return "final"
	default:
		return "unknown"
	}
}

// ErrEngineBusy is returned by Unload while a transcription is in flight.
var ErrEngineBusy = errors.New("engine: busy, transcription in flight")

// ErrEngineLoadError wraps failures loading the backend (disk quota,
// cache corruption, etc.).
var ErrEngineLoadError = errors.New("engine: load error")

// ErrEngineRuntimeError wraps failures during inference.
var ErrEngineRuntimeError = errors.New("engine: runtime error")

// kind distinguishes a final transcription request from a realtime
// preview request within the shared priority queue.
type kind int

const (
	kindFinal kind = iota
	kindPreview
)

// request is a unit of queued work dispatched to a worker.
type request struct {
	id         string
	kind       kind
	samples    []float32
	language   string
	priority   Priority
	createdAt  time.Time
	deadline   time.Time
	resultChan chan response
}

type response struct {
	result     *protocol.Result
	preview    string
	hasPreview bool
	err        error
}

// Config holds engine queue configuration.
type Config struct {
	MaxQueueSize int           // Maximum queue size per priority lane
	Workers      int           // Number of concurrent backend workers
	MaxWaitTime  time.Duration // Maximum wait time in queue before rejection
}

// DefaultConfig returns sensible defaults for the engine queue.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize: 32,
		Workers:      1, // typical single-GPU deployment
		MaxWaitTime:  30 * time.Second,
	}
}

// Queue manages transcription requests with priority scheduling across a
// shared backend. It is the adapted form of the teacher's gpu.Queue.
type Queue struct {
	config Config
	logger zerolog.Logger

	lanes [3]chan *request

	workerSem chan struct{}
	group     *errgroup.Group

	ctx    context.Context
	cancel context.CancelFunc

	backend Backend
}

// NewQueue creates a Queue bound to backend.
func NewQueue(config Config, backend Backend, logger zerolog.Logger) *Queue {
	group, ctx := errgroup.WithContext(context.Background())
	ctx, cancel := context.WithCancel(ctx)

	q := &Queue{
		config:    config,
		logger:    logger,
		workerSem: make(chan struct{}, config.Workers),
		group:     group,
		ctx:       ctx,
		cancel:    cancel,
		backend:   backend,
	}

	for i := range q.lanes {
		q.lanes[i] = make(chan *request, config.MaxQueueSize)
	}

	return q
}

// Start begins dispatching queued requests to workers. Dispatch and every
// worker it spawns are tracked by the same errgroup, so Stop's group.Wait
// blocks until all in-flight work has actually drained, and a worker
// panic propagates through the group instead of vanishing silently.
func (q *Queue) Start() {
	q.logger.Info().
		Int("workers", q.config.Workers).
		Int("max_queue_size", q.config.MaxQueueSize).
		Dur("max_wait_time", q.config.MaxWaitTime).
		Msg("starting engine queue")

	q.group.Go(q.dispatch)
}

// Stop cancels dispatch and waits for in-flight workers to finish. Requests
// still waiting in a lane are not started; their callers receive an
// engine-shutting-down error.
func (q *Queue) Stop() {
	q.logger.Info().Msg("stopping engine queue")
	q.cancel()
	for i := range q.lanes {
		close(q.lanes[i])
	}
	if err := q.group.Wait(); err != nil {
		q.logger.Warn().Err(err).Msg("engine queue worker returned an error during shutdown")
	}
	q.logger.Info().Msg("engine queue stopped")
}

func (q *Queue) dispatch() error {
	for {
		req, priority, ok := q.nextRequest()
		if !ok {
			return nil
		}
		if req == nil {
			continue
		}

		if time.Now().After(req.deadline) {
			queueRejections.WithLabelValues("timeout").Inc()
			queueSize.WithLabelValues(priority.String()).Dec()
			req.resultChan <- response{err: fmt.Errorf("%w: queue wait exceeded", ErrEngineRuntimeError)}
			close(req.resultChan)
			continue
		}

		q.workerSem <- struct{}{}
		activeWorkers.Inc()
		q.group.Go(func() error {
			q.process(req, priority)
			return nil
		})
	}
}

// nextRequest pulls from the highest non-empty priority lane, preferring
// PriorityFinal, then PriorityFile, then PriorityPreview.
func (q *Queue) nextRequest() (*request, Priority, bool) {
	select {
	case req := <-q.lanes[PriorityFinal]:
		return req, PriorityFinal, true
	case <-q.ctx.Done():
		return nil, 0, false
	default:
	}

	select {
	case req := <-q.lanes[PriorityFinal]:
		return req, PriorityFinal, true
	case req := <-q.lanes[PriorityFile]:
		return req, PriorityFile, true
	case <-q.ctx.Done():
		return nil, 0, false
	default:
	}

	select {
	case req := <-q.lanes[PriorityFinal]:
		return req, PriorityFinal, true
	case req := <-q.lanes[PriorityFile]:
		return req, PriorityFile, true
	case req := <-q.lanes[PriorityPreview]:
		return req, PriorityPreview, true
	case <-q.ctx.Done():
		return nil, 0, false
	}
}

func (q *Queue) process(req *request, priority Priority) {
	defer func() {
		<-q.workerSem
		activeWorkers.Dec()
		queueSize.WithLabelValues(priority.String()).Dec()
	}()

	wait := time.Since(req.createdAt)
	queueWaitTime.WithLabelValues(priority.String()).Observe(wait.Seconds())

	// Detached from q.ctx so that Stop lets an in-flight request finish
	// (bounded by its own deadline) instead of cancelling it.
	ctx, cancel := context.WithDeadline(context.Background(), req.deadline)
	defer cancel()

	var resp response
	switch req.kind {
	case kindFinal:
		start := time.Now()
		result, err := q.backend.Transcribe(ctx, req.samples, req.language)
		transcribeDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			resp.err = fmt.Errorf("%w: %v", ErrEngineRuntimeError, err)
		} else {
			resp.result = &result
		}
	case kindPreview:
		text, ok, err := q.backend.Preview(ctx, req.samples)
		if err != nil {
			resp.err = fmt.Errorf("%w: %v", ErrEngineRuntimeError, err)
		} else {
			resp.preview, resp.hasPreview = text, ok
		}
	}

	select {
	case req.resultChan <- resp:
	case <-ctx.Done():
	}
	close(req.resultChan)
}

// submit enqueues req on its priority lane, rejecting on a full queue or a
// shutting-down engine.
func (q *Queue) submit(req *request) (response, error) {
	req.createdAt = time.Now()
	req.deadline = req.createdAt.Add(q.config.MaxWaitTime)
	req.resultChan = make(chan response, 1)

	select {
	case q.lanes[req.priority] <- req:
		queueSize.WithLabelValues(req.priority.String()).Inc()
	case <-time.After(time.Second):
		queueRejections.WithLabelValues("full").Inc()
		return response{}, fmt.Errorf("%w: queue full", ErrEngineRuntimeError)
	case <-q.ctx.Done():
		return response{}, fmt.Errorf("%w: engine shutting down", ErrEngineRuntimeError)
	}

	select {
	case resp := <-req.resultChan:
		return resp, nil
	case <-q.ctx.Done():
		return response{}, fmt.Errorf("%w: engine shutting down", ErrEngineRuntimeError)
	}
}
