// SPDX-License-Identifier: GPL-3.0-or-later

// Package attack implements the relay's traffic manipulation engine.
//
// An [*Engine] consumes frames in upstream arrival order and decides,
// per frame, whether to forward it now, forward it after a delay, drop
// it, or buffer it for out-of-order release. Held frames never block
// the submission of subsequent frames: each hold is an independent
// timer or buffer slot.
package attack

import (
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mitmsim/mitmsim/metrics"
)

// Engine applies a single configured [Mode] to a stream of frames.
//
// The zero value is invalid; construct using [New]. The exported
// fields are optional and must be set before the first Submit.
type Engine struct {
	// Clock is the optional clock used to schedule delayed
	// releases, defaulting to the system clock.
	Clock clock.Clock

	// Logger optionally emits structured logs about decisions.
	Logger *slog.Logger

	// Metrics optionally counts engine decisions.
	Metrics *metrics.Metrics

	// Rand optionally overrides the uniform random source
	// in [0,1) used by the drop and random_delay policies.
	Rand func() float64

	// cfg is the immutable attack configuration.
	cfg Config

	// eof unblocks pending deliveries on Close.
	eof chan struct{}

	// eofOnce ensures we close eof just once.
	eofOnce sync.Once

	// held tracks in-flight delayed releases.
	held sync.WaitGroup

	// mu protects window.
	mu sync.Mutex

	// out is the channel carrying frames to forward.
	out chan []byte

	// window is the reorder buffer in arrival order.
	window [][]byte
}

// New creates an [*Engine] for the given configuration, or returns
// an error when the configuration violates its invariants.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     cfg,
		eof:     make(chan struct{}),
		eofOnce: sync.Once{},
		held:    sync.WaitGroup{},
		mu:      sync.Mutex{},
		out:     make(chan []byte, 128),
		window:  nil,
	}, nil
}

// Output returns the channel carrying the frames to forward
// downstream, in the order and with the timing the engine chose.
// The channel is closed by [Engine.Flush].
func (e *Engine) Output() <-chan []byte {
	return e.out
}

// Submit hands the engine the next frame in upstream arrival order.
//
// Submit must not be called concurrently with itself or after
// Flush or Close.
func (e *Engine) Submit(frame []byte) {
	switch e.cfg.Mode {
	case ModeRandomDelay:
		e.submitDelayed(frame)
	case ModeDrop:
		e.submitDrop(frame)
	case ModeReorder:
		e.submitReorder(frame)
	default:
		e.deliver(frame)
	}
}

// Flush terminates the stream gracefully: remaining reorder-buffered
// frames are released in their buffered order, in-flight delayed
// releases are awaited, and the output channel is closed.
func (e *Engine) Flush() {
	e.mu.Lock()
	window := e.window
	e.window = nil
	e.mu.Unlock()
	for _, frame := range window {
		e.deliver(frame)
	}
	e.held.Wait()
	close(e.out)
}

// Close cancels the engine: every frame still held by a timer or by
// the reorder buffer is discarded, never forwarded. Close is
// idempotent and never blocks on the output channel.
func (e *Engine) Close() error {
	e.eofOnce.Do(func() {
		close(e.eof)
		e.mu.Lock()
		canceled := len(e.window)
		e.window = nil
		e.mu.Unlock()
		for idx := 0; idx < canceled; idx++ {
			e.countCanceled()
		}
	})
	return nil
}

// deliver forwards a frame unless the engine has been closed. It
// returns whether the frame was actually handed to the output.
func (e *Engine) deliver(frame []byte) bool {
	select {
	case e.out <- frame:
		return true
	case <-e.eof:
		e.countCanceled()
		return false
	}
}

// submitDrop implements the drop policy.
func (e *Engine) submitDrop(frame []byte) {
	if e.random() < e.cfg.DropRate {
		if e.Logger != nil {
			e.Logger.Info("frameDropped", slog.Int("size", len(frame)))
		}
		if e.Metrics != nil {
			e.Metrics.RelayDropped.Inc()
		}
		return
	}
	e.deliver(frame)
}

// submitDelayed implements the random_delay policy. The hold is an
// independent timer so subsequent submissions proceed immediately,
// and holds may resolve out of submission order.
func (e *Engine) submitDelayed(frame []byte) {
	delay := e.cfg.DelayMin
	if spread := e.cfg.DelayMax - e.cfg.DelayMin; spread > 0 {
		delay += time.Duration(e.random() * float64(spread))
	}
	if e.Logger != nil {
		e.Logger.Info("frameDelayed", slog.Duration("delay", delay))
	}
	if e.Metrics != nil {
		e.Metrics.RelayDelayed.Inc()
	}
	e.held.Add(1)
	go func() {
		defer e.held.Done()
		timer := e.clock().Timer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			e.deliver(frame)
		case <-e.eof:
			e.countCanceled()
		}
	}()
}

// submitReorder implements the reorder policy: buffer until the
// window is full, then release in reverse arrival order, which
// differs from arrival order whenever the window holds two or
// more frames.
func (e *Engine) submitReorder(frame []byte) {
	e.mu.Lock()
	e.window = append(e.window, frame)
	if len(e.window) < e.cfg.ReorderWindow {
		e.mu.Unlock()
		return
	}
	window := e.window
	e.window = nil
	e.mu.Unlock()

	slices.Reverse(window)
	if e.Logger != nil {
		e.Logger.Info("windowFlushed", slog.Int("frames", len(window)))
	}
	for _, held := range window {
		if e.Metrics != nil && len(window) > 1 {
			e.Metrics.RelayReordered.Inc()
		}
		e.deliver(held)
	}
}

// random returns the next uniform draw in [0,1).
func (e *Engine) random() float64 {
	if e.Rand != nil {
		return e.Rand()
	}
	return rand.Float64()
}

// clock returns the configured clock or the system clock.
func (e *Engine) clock() clock.Clock {
	if e.Clock != nil {
		return e.Clock
	}
	return clock.New()
}

// countCanceled records a frame discarded because the session stopped.
func (e *Engine) countCanceled() {
	if e.Logger != nil {
		e.Logger.Info("holdCanceled")
	}
	if e.Metrics != nil {
		e.Metrics.RelayCanceled.Inc()
	}
}
