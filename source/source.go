// SPDX-License-Identifier: GPL-3.0-or-later

// Package source implements the source role: a paced sender of
// sequenced, timestamped messages.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mitmsim/mitmsim/metrics"
	"github.com/mitmsim/mitmsim/status"
	"github.com/mitmsim/mitmsim/wire"
	"github.com/rbmk-project/common/errclass"
)

// RoleName is the source's name on the status surface.
const RoleName = "source"

// Source emits one message every interval with a fixed payload,
// with sequence numbers starting at 1 and increasing by exactly
// one per message, and timestamps taken at send time.
//
// The zero value is invalid; construct using [New]. The exported
// fields are optional and must be set before Run.
type Source struct {
	// Clock is the optional pacing clock, defaulting to the
	// system clock.
	Clock clock.Clock

	// Logger optionally emits structured logs.
	Logger *slog.Logger

	// Metrics optionally counts sent messages.
	Metrics *metrics.Metrics

	// Registry optionally receives role state transitions.
	Registry *status.Registry

	// interval is the pacing interval.
	interval time.Duration

	// payload is the payload of every message.
	payload string
}

// New creates a [*Source], or returns an error when the interval
// is not positive.
func New(interval time.Duration, payload string) (*Source, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("source: message_interval %v is not positive", interval)
	}
	return &Source{interval: interval, payload: payload}, nil
}

// Run sends messages over the given connection until the context is
// canceled or the connection fails. The first message goes out
// immediately; the connection is closed before returning.
func (s *Source) Run(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	s.setState(status.StateRunning, "sending to "+conn.RemoteAddr().String())

	clk := s.clock()
	ticker := clk.Ticker(s.interval)
	defer ticker.Stop()

	for sequence := uint64(1); ; sequence++ {
		msg := wire.Message{
			Sequence:  sequence,
			Timestamp: wire.Timestamp(clk.Now()),
			Payload:   s.payload,
		}
		if _, err := conn.Write(wire.Encode(msg)); err != nil {
			// A write that fails because the session is being
			// torn down is a requested stop, not a failure.
			if ctx.Err() != nil {
				s.setState(status.StateStopped, "stopped")
				return nil
			}
			if s.Logger != nil {
				s.Logger.Info(
					"sendFailed",
					slog.Any("err", err),
					slog.String("errClass", errclass.New(err)),
					slog.Uint64("sequence", sequence),
				)
			}
			s.setState(status.StateError, err.Error())
			return err
		}
		if s.Logger != nil {
			s.Logger.Info(
				"messageSent",
				slog.Uint64("sequence", sequence),
				slog.String("payload", s.payload),
			)
		}
		if s.Metrics != nil {
			s.Metrics.SourceSent.Inc()
		}

		select {
		case <-ctx.Done():
			s.setState(status.StateStopped, "stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// clock returns the configured clock or the system clock.
func (s *Source) clock() clock.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return clock.New()
}

// setState records the source role state, when a registry is set.
func (s *Source) setState(state status.State, text string) {
	if s.Registry != nil {
		s.Registry.Set(RoleName, state, text)
	}
}
