// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voxgate/transcribe-server/internal/protocol"
)

// Backend is the narrow interface the engine adapter dispatches work
// through, so the real GPU/ASR model is pluggable independent of queueing
// and lifecycle concerns.
type Backend interface {
	// Transcribe runs a full transcription over samples (f32, 16kHz mono).
	// language, if non-empty, requests a specific language; otherwise the
	// backend autodetects.
	Transcribe(ctx context.Context, samples []float32, language string) (protocol.Result, error)

	// Preview runs a best-effort realtime pass over a single decoded
	// chunk. A false second return means "no preview available this
	// chunk", which is not an error.
	Preview(ctx context.Context, samples []float32) (string, bool, error)
}

// Loader is implemented by backends that hold on to GPU memory or other
// expensive resources, so Engine can lazily load and idempotently unload
// them.
type Loader interface {
	// Load prepares the backend for use (e.g. loads a model onto the
	// GPU). It must be idempotent.
	Load(ctx context.Context) error
	// Unload releases resources (e.g. drops the model reference and
	// empties the GPU runtime's cache). It must be idempotent.
	Unload(ctx context.Context) error
}

// Engine wraps a Backend with a lazy-load/idempotent-unload lifecycle and
// a priority worker queue (Queue), guarding a single shared model
// reference against concurrent unload-while-busy.
type Engine struct {
	backend Backend
	queue   *Queue
	logger  zerolog.Logger

	mu       sync.Mutex
	loaded   bool
	inFlight atomic.Int64
}

// New creates an Engine around backend with the given queue configuration.
// The queue is started immediately; Load is deferred until first use.
func New(config Config, backend Backend, logger zerolog.Logger) *Engine {
	e := &Engine{
		backend: backend,
		logger:  logger,
	}
	e.queue = NewQueue(config, backend, logger)
	e.queue.Start()
	return e
}

// Load prepares the backend for use. It is idempotent and safe to call
// repeatedly; only the first call (or the first call after Unload) does
// any work.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loaded {
		return nil
	}

	loader, ok := e.backend.(Loader)
	if !ok {
		e.loaded = true
		return nil
	}

	start := time.Now()
	if err := loader.Load(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineLoadError, err)
	}
	loadDuration.Observe(time.Since(start).Seconds())

	e.loaded = true
	e.logger.Info().Dur("load_time", time.Since(start)).Msg("engine loaded")
	return nil
}

// Unload releases backend resources. It is rejected with ErrEngineBusy
// while a transcription is in flight, and is a no-op if already unloaded.
func (e *Engine) Unload(ctx context.Context) error {
	if e.inFlight.Load() > 0 {
		return ErrEngineBusy
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		return nil
	}

	loader, ok := e.backend.(Loader)
	if !ok {
		e.loaded = false
		return nil
	}

	if err := loader.Unload(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineRuntimeError, err)
	}

	e.loaded = false
	e.logger.Info().Msg("engine unloaded")
	return nil
}

// IsBusy reports whether a transcription is currently in flight.
func (e *Engine) IsBusy() bool {
	return e.inFlight.Load() > 0
}

// IsLoaded reports whether the backend is currently loaded.
func (e *Engine) IsLoaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// Transcribe runs a final transcription over samples, loading the backend
// first if necessary. It is dispatched at PriorityFinal so it is never
// starved behind preview or batch-file work.
func (e *Engine) Transcribe(ctx context.Context, samples []float32, language string) (protocol.Result, error) {
	if err := e.Load(ctx); err != nil {
		return protocol.Result{}, err
	}

	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	resp, err := e.queue.submit(&request{
		id:       uuid.NewString(),
		kind:     kindFinal,
		samples:  samples,
		language: language,
		priority: PriorityFinal,
	})
	if err != nil {
		return protocol.Result{}, err
	}
	if resp.err != nil {
		return protocol.Result{}, resp.err
	}
	return *resp.result, nil
}

// TranscribeFile runs a final transcription over samples at PriorityFile,
// the batch-upload lane, so streaming sessions are not starved by large
// file uploads.
func (e *Engine) TranscribeFile(ctx context.Context, samples []float32, language string) (protocol.Result, error) {
	if err := e.Load(ctx); err != nil {
		return protocol.Result{}, err
	}

	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	resp, err := e.queue.submit(&request{
		id:       uuid.NewString(),
		kind:     kindFinal,
		samples:  samples,
		language: language,
		priority: PriorityFile,
	})
	if err != nil {
		return protocol.Result{}, err
	}
	if resp.err != nil {
		return protocol.Result{}, resp.err
	}
	return *resp.result, nil
}

// Realtime runs a best-effort preview pass over a single decoded chunk,
// dispatched at PriorityPreview. A false second return means no preview is
// available for this chunk; that is not an error.
func (e *Engine) Realtime(ctx context.Context, samples []float32) (string, bool, error) {
	if err := e.Load(ctx); err != nil {
		return "", false, err
	}

	resp, err := e.queue.submit(&request{
		id:       uuid.NewString(),
		kind:     kindPreview,
		samples:  samples,
		priority: PriorityPreview,
	})
	if err != nil {
		return "", false, err
	}
	if resp.err != nil {
		return "", false, resp.err
	}
	return resp.preview, resp.hasPreview, nil
}

// Shutdown stops the worker queue, letting an in-flight transcription
// finish first. The backend is deliberately not unloaded: its on-disk
// model cache may be reused across restarts, so process shutdown leaves
// it resident rather than forcing a reload next start.
func (e *Engine) Shutdown(ctx context.Context) {
	e.queue.Stop()
}
