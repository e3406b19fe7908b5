// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"time"

	"github.com/voxgate/transcribe-server/internal/protocol"
)

// nullBackend is a deterministic Backend test double: it "transcribes" by
// reporting silence, and never produces a realtime preview. It also
// implements Loader so Engine's load/unload lifecycle can be exercised
// without a real GPU.
type nullBackend struct {
	loadErr   error
	unloadErr error
	loaded    bool
}

// NewNullBackend returns a Backend+Loader double suitable for tests and
// for local development without GPU hardware.
func NewNullBackend() *nullBackend {
	return &nullBackend{}
}

func (b *nullBackend) Load(ctx context.Context) error {
	if b.loadErr != nil {
		return b.loadErr
	}
	b.loaded = true
	return nil
}

func (b *nullBackend) Unload(ctx context.Context) error {
	if b.unloadErr != nil {
		return b.unloadErr
	}
	b.loaded = false
	return nil
}

func (b *nullBackend) Transcribe(ctx context.Context, samples []float32, language string) (protocol.Result, error) {
	return protocol.Result{
		Text:            "",
		Words:           nil,
		DurationSeconds: float64(len(samples)) / float64(protocol.TargetSampleRate),
		Language:        language,
	}, nil
}

func (b *nullBackend) Preview(ctx context.Context, samples []float32) (string, bool, error) {
	return "", false, nil
}

// slowBackend is a Backend double that blocks until release is closed,
// used to exercise IsBusy/ErrEngineBusy in tests.
type slowBackend struct {
	release chan struct{}
}

func newSlowBackend() *slowBackend {
	return &slowBackend{release: make(chan struct{})}
}

func (b *slowBackend) Transcribe(ctx context.Context, samples []float32, language string) (protocol.Result, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return protocol.Result{}, ctx.Err()
	case <-time.After(5 * time.Second):
	}
	return protocol.Result{DurationSeconds: 1}, nil
}

func (b *slowBackend) Preview(ctx context.Context, samples []float32) (string, bool, error) {
	return "", false, nil
}
