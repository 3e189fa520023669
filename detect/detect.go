// SPDX-License-Identifier: GPL-3.0-or-later

// Package detect classifies traffic observed by the destination role.
//
// The [*Engine] consumes frames in the exact order the destination
// receives them, maintains per-source ordering state, and emits
// [Alert] values for malformed, duplicated, out-of-order, and
// excessively delayed messages. Alerts are append-only observations:
// the engine never retracts one.
package detect

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mitmsim/mitmsim/metrics"
	"github.com/mitmsim/mitmsim/wire"
)

// Kind classifies an [Alert].
type Kind int

const (
	// KindOutOfOrder marks a sequence number that is neither a
	// duplicate nor the expected next sequence.
	KindOutOfOrder = Kind(iota)

	// KindDuplicate marks a sequence number seen before, covering
	// both replay attacks and accidental retransmission.
	KindDuplicate

	// KindExcessiveDelay marks a transit delay above the
	// configured threshold.
	KindExcessiveDelay

	// KindMalformed marks a frame the wire codec rejected.
	KindMalformed
)

// String returns the wire name of the alert kind.
func (k Kind) String() string {
	switch k {
	case KindOutOfOrder:
		return "out_of_order"
	case KindDuplicate:
		return "duplicate"
	case KindExcessiveDelay:
		return "excessive_delay"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Alert is a classified anomaly observed by the destination.
type Alert struct {
	// Kind classifies the anomaly.
	Kind Kind

	// Source identifies the observed source.
	Source string

	// Sequence is the offending sequence number, when the
	// frame decoded successfully.
	Sequence uint64

	// ObservedDelay is the measured transit delay, set for
	// [KindExcessiveDelay].
	ObservedDelay time.Duration

	// Raw is the frame as received, for forensic display.
	Raw []byte

	// Time is when the destination observed the frame.
	Time time.Time
}

// Config configures the detection engine.
type Config struct {
	// Enabled controls whether ordering and timing alerts are
	// emitted. State tracking continues while disabled, so
	// re-enabling mid-session does not reset context. Malformed
	// frames are reported regardless, being a pure integrity
	// signal.
	Enabled bool

	// MaxDelay is the transit delay above which a message is
	// classified as excessively delayed.
	MaxDelay time.Duration
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.MaxDelay < 0 {
		return fmt.Errorf("detect: max_delay %v is negative", c.MaxDelay)
	}
	return nil
}

// seenWindow bounds the per-source duplicate-detection memory.
// Sequences evicted from the window can no longer be recognized
// as replays, which is a graceful degradation, not a failure.
const seenWindow = 1024

// connState is the per-source detection state.
type connState struct {
	// expected is the next in-order sequence number.
	expected uint64

	// seen contains the sequence numbers already observed.
	seen map[uint64]struct{}

	// order tracks insertion order for eviction, oldest first.
	order []uint64
}

// remember adds a sequence to the bounded seen window.
func (cs *connState) remember(seq uint64) {
	if _, ok := cs.seen[seq]; ok {
		return
	}
	if len(cs.order) >= seenWindow {
		oldest := cs.order[0]
		cs.order = cs.order[1:]
		delete(cs.seen, oldest)
	}
	cs.seen[seq] = struct{}{}
	cs.order = append(cs.order, seq)
}

// Engine is the detection engine.
//
// The zero value is invalid; construct using [New]. The exported
// fields are optional and must be set before the first Observe.
type Engine struct {
	// Logger optionally emits structured logs for alerts.
	Logger *slog.Logger

	// Metrics optionally counts alerts by kind.
	Metrics *metrics.Metrics

	// alerts is the append-only alert record.
	alerts []Alert

	// cfg is the immutable detection configuration.
	cfg Config

	// mu protects alerts and sources.
	mu sync.Mutex

	// sources maps source identities to their state.
	sources map[string]*connState
}

// New creates an [*Engine], or returns an error when the
// configuration violates its invariants.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		alerts:  nil,
		cfg:     cfg,
		mu:      sync.Mutex{},
		sources: map[string]*connState{},
	}, nil
}

// Observe classifies the next frame received from the given source
// at the given receive time and returns the alerts it raised, in
// classification order.
//
// Within one source, callers must invoke Observe in strict arrival
// order. Distinct sources may be observed concurrently.
func (e *Engine) Observe(source string, frame []byte, now time.Time) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	msg, err := wire.Decode(frame)
	if err != nil {
		// Malformed frames never advance per-source state: the
		// destination cannot even attribute them to a sequence.
		return e.emit(Alert{
			Kind:   KindMalformed,
			Source: source,
			Raw:    append([]byte{}, frame...),
			Time:   now,
		})
	}

	state := e.sources[source]
	if state == nil {
		state = &connState{
			expected: 1,
			seen:     map[uint64]struct{}{},
			order:    nil,
		}
		e.sources[source] = state
	}

	var alerts []Alert

	if _, dup := state.seen[msg.Sequence]; dup {
		alerts = append(alerts, Alert{
			Kind:     KindDuplicate,
			Source:   source,
			Sequence: msg.Sequence,
			Raw:      append([]byte{}, frame...),
			Time:     now,
		})
	} else {
		if msg.Sequence != state.expected {
			alerts = append(alerts, Alert{
				Kind:     KindOutOfOrder,
				Source:   source,
				Sequence: msg.Sequence,
				Raw:      append([]byte{}, frame...),
				Time:     now,
			})
		}
		// Advance past gaps so a dropped message cannot wedge
		// detection forever.
		state.expected = max(state.expected, msg.Sequence+1)
		state.remember(msg.Sequence)
	}

	// Timing is judged independently of ordering: a message can
	// be both out of order and late.
	if delay := now.Sub(msg.Time()); delay > e.cfg.MaxDelay {
		alerts = append(alerts, Alert{
			Kind:          KindExcessiveDelay,
			Source:        source,
			Sequence:      msg.Sequence,
			ObservedDelay: delay,
			Raw:           append([]byte{}, frame...),
			Time:          now,
		})
	}

	if !e.cfg.Enabled {
		return nil
	}
	return e.emit(alerts...)
}

// emit records alerts in the append-only store, logs them, and
// counts them. The caller must hold e.mu.
func (e *Engine) emit(alerts ...Alert) []Alert {
	for _, alert := range alerts {
		e.alerts = append(e.alerts, alert)
		if e.Logger != nil {
			e.Logger.Warn(
				"alert",
				slog.String("kind", alert.Kind.String()),
				slog.String("source", alert.Source),
				slog.Uint64("sequence", alert.Sequence),
				slog.Duration("observedDelay", alert.ObservedDelay),
				slog.String("raw", string(alert.Raw)),
				slog.Time("t", alert.Time),
			)
		}
		if e.Metrics != nil {
			e.Metrics.DetectAlerts.WithLabelValues(alert.Kind.String()).Inc()
		}
	}
	return alerts
}

// Alerts returns a copy of the alerts recorded since the given
// index, oldest first. Passing the length of the previous result
// plus the previous since value yields only new alerts.
func (e *Engine) Alerts(since int) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	if since < 0 || since > len(e.alerts) {
		return nil
	}
	return append([]Alert{}, e.alerts[since:]...)
}

// Reset destroys the state of the given source, as when its
// session ends.
func (e *Engine) Reset(source string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sources, source)
}
