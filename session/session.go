// SPDX-License-Identifier: GPL-3.0-or-later

// Package session constructs and owns one simulation run: the
// destination with its detection engine, the optional relay with its
// attack engine, and the source, all sharing a configuration
// snapshot.
//
// A [*Session] validates the whole snapshot before opening any
// socket, wires the roles over loopback TCP, and exposes the
// status, log tail, and alert surfaces that the external
// orchestrator and dashboard poll.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/mitmsim/mitmsim/config"
	"github.com/mitmsim/mitmsim/dest"
	"github.com/mitmsim/mitmsim/detect"
	"github.com/mitmsim/mitmsim/metrics"
	"github.com/mitmsim/mitmsim/relay"
	"github.com/mitmsim/mitmsim/source"
	"github.com/mitmsim/mitmsim/status"
	"github.com/rbmk-project/x/closepool"
)

// defaultTail is the log tail length when the caller does not
// specify one.
const defaultTail = 100

// Status is the session-level status snapshot.
type Status struct {
	// Running is true when any role is running.
	Running bool

	// Roles lists the per-role states, sorted by name.
	Roles []status.RoleStatus
}

// Session is one simulation run.
//
// The zero value is invalid; construct using [New]. The exported
// fields are optional and must be set before Start.
type Session struct {
	// Clock optionally replaces the system clock for every role.
	Clock clock.Clock

	// Rand optionally provides deterministic draws to the
	// attack engine.
	Rand func() float64

	// id identifies the session in logs.
	id string

	// detector is the destination's detection engine.
	detector *detect.Engine

	// destination is the destination role.
	destination *dest.Server

	// logs maps role names to their bounded output tails.
	logs map[string]*status.LogBuffer

	// metrics holds the session counters.
	metrics *metrics.Metrics

	// pool collects everything to close on Close.
	pool *closepool.Pool

	// registry tracks role lifecycle states.
	registry *status.Registry

	// relay is the relay role, nil in direct mode.
	relay *relay.Relay

	// settings is the immutable configuration snapshot.
	settings config.Settings

	// src is the source role.
	src *source.Source

	// started records that Start ran.
	started bool

	// stop cancels the role contexts.
	stop context.CancelFunc

	// wg tracks role goroutines.
	wg sync.WaitGroup
}

// New creates a [*Session] from a configuration snapshot. The whole
// snapshot is validated here: a session with an invalid snapshot
// never starts and never opens a socket.
func New(settings config.Settings) (*Session, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		id:       uuid.New().String(),
		logs:     map[string]*status.LogBuffer{},
		metrics:  metrics.New(),
		pool:     &closepool.Pool{},
		registry: &status.Registry{},
		settings: settings,
	}
	for _, role := range []string{source.RoleName, relay.RoleName, dest.RoleName} {
		s.logs[role] = &status.LogBuffer{}
		s.registry.Set(role, status.StateStopped, "not started")
	}

	detector, err := detect.New(settings.DetectConfig())
	if err != nil {
		return nil, err
	}
	detector.Logger = s.roleLogger(dest.RoleName)
	detector.Metrics = s.metrics
	s.detector = detector

	s.destination = dest.New(detector)
	s.destination.Logger = s.roleLogger(dest.RoleName)
	s.destination.Registry = s.registry

	if settings.UseRelay {
		attackCfg, err := settings.AttackConfig()
		if err != nil {
			return nil, err
		}
		rly, err := relay.New(attackCfg, settings.RelayUpstream)
		if err != nil {
			return nil, err
		}
		rly.Logger = s.roleLogger(relay.RoleName)
		rly.Metrics = s.metrics
		rly.Registry = s.registry
		s.relay = rly
	}

	src, err := source.New(settings.MessageInterval, settings.Payload)
	if err != nil {
		return nil, err
	}
	src.Logger = s.roleLogger(source.RoleName)
	src.Metrics = s.metrics
	src.Registry = s.registry
	s.src = src

	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Start opens the listeners, connects the source, and runs the three
// roles until Close. The listen endpoints come from the snapshot;
// the dial targets are the actually bound listener addresses, so a
// snapshot using port 0 works for in-process simulation.
func (s *Session) Start(ctx context.Context) error {
	if s.started {
		return fmt.Errorf("session: already started")
	}
	s.started = true

	s.destination.Clock = s.Clock
	if s.relay != nil {
		s.relay.Clock = s.Clock
		s.relay.Rand = s.Rand
	}
	s.src.Clock = s.Clock

	ctx, s.stop = context.WithCancel(ctx)

	destListener, err := net.Listen("tcp", s.settings.ServerListen)
	if err != nil {
		return err
	}
	s.pool.Add(s.destination)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.destination.Serve(ctx, destListener)
	}()

	sourceTarget := destListener.Addr().String()
	if s.relay != nil {
		relayListener, err := net.Listen("tcp", s.settings.RelayListen)
		if err != nil {
			s.Close()
			return err
		}
		s.relay.DialContext = func(ctx context.Context, _ string) (net.Conn, error) {
			dialer := &net.Dialer{}
			return dialer.DialContext(ctx, "tcp", destListener.Addr().String())
		}
		s.pool.Add(s.relay)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.relay.Serve(ctx, relayListener)
		}()
		sourceTarget = relayListener.Addr().String()
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", sourceTarget)
	if err != nil {
		s.Close()
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.src.Run(ctx, conn)
	}()

	return nil
}

// Close stops every role and waits for their goroutines. Frames
// still held by the attack engine are discarded, not forwarded:
// sequence gaps after an intentional shutdown are a logged
// consequence of stopping, not an attack signal.
func (s *Session) Close() error {
	if s.stop != nil {
		s.stop()
	}
	err := s.pool.Close()
	s.wg.Wait()
	return err
}

// Status returns the session-level status snapshot.
func (s *Session) Status() Status {
	return Status{
		Running: s.registry.Running(),
		Roles:   s.registry.Roles(),
	}
}

// Logs returns the most recent tail lines of the given role's
// output, oldest first. A non-positive tail means 100 lines.
func (s *Session) Logs(role string, tail int) []string {
	buf := s.logs[role]
	if buf == nil {
		return nil
	}
	if tail <= 0 {
		tail = defaultTail
	}
	return buf.Tail(tail)
}

// Alerts returns the alerts recorded since the given index,
// oldest first.
func (s *Session) Alerts(since int) []detect.Alert {
	return s.detector.Alerts(since)
}

// Metrics returns the session counters.
func (s *Session) Metrics() *metrics.Metrics {
	return s.metrics
}

// roleLogger builds the slog logger feeding a role's log tail.
func (s *Session) roleLogger(role string) *slog.Logger {
	handler := status.NewLogHandler(s.logs[role], nil)
	return slog.New(handler).With(slog.String("session", s.id))
}
