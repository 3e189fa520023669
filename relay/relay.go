// SPDX-License-Identifier: GPL-3.0-or-later

// Package relay implements the on-path relay role.
//
// A [*Relay] accepts connections from the source side, dials the
// destination, and moves whole wire frames between the two sockets
// through an [attack.Engine], preserving the engine's chosen order
// and timing. The relay never interprets frame content: malformed
// lines are forwarded as-is so the destination stays the sole
// arbiter of validity.
package relay

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/mitmsim/mitmsim/attack"
	"github.com/mitmsim/mitmsim/metrics"
	"github.com/mitmsim/mitmsim/status"
	"github.com/mitmsim/mitmsim/wire"
	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/x/closepool"
)

// RoleName is the relay's name on the status surface.
const RoleName = "relay"

// Relay is the on-path relay role.
//
// The zero value is invalid; construct using [New]. The exported
// fields are optional and must be set before Serve.
type Relay struct {
	// Clock is the optional clock handed to attack engines.
	Clock clock.Clock

	// DialContext optionally overrides how the relay dials the
	// destination, defaulting to a [net.Dialer].
	DialContext func(ctx context.Context, address string) (net.Conn, error)

	// Logger optionally emits structured logs.
	Logger *slog.Logger

	// Metrics optionally counts relay activity.
	Metrics *metrics.Metrics

	// Rand is optionally handed to attack engines for
	// deterministic draws in tests.
	Rand func() float64

	// Registry optionally receives role state transitions.
	Registry *status.Registry

	// cfg is the immutable attack configuration.
	cfg attack.Config

	// conns tracks the closers owned by live connection handlers,
	// so finished connections do not accumulate for the relay's
	// whole lifetime.
	conns map[io.Closer]struct{}

	// connsMu protects conns.
	connsMu sync.Mutex

	// eof signals that Close was called.
	eof chan struct{}

	// eofOnce ensures we close eof just once.
	eofOnce sync.Once

	// pool collects the listeners to close on Close.
	pool *closepool.Pool

	// upstream is the destination endpoint to dial.
	upstream string

	// wg tracks per-connection handlers.
	wg sync.WaitGroup
}

// New creates a [*Relay] forwarding to the given destination
// endpoint, or returns an error when the attack configuration
// violates its invariants. Validation happens here, before any
// socket I/O.
func New(cfg attack.Config, upstream string) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Relay{
		cfg:      cfg,
		conns:    map[io.Closer]struct{}{},
		connsMu:  sync.Mutex{},
		eof:      make(chan struct{}),
		eofOnce:  sync.Once{},
		pool:     &closepool.Pool{},
		upstream: upstream,
	}, nil
}

// Serve accepts connections from the listener until Close is called
// or the listener fails. Each accepted connection gets its own
// upstream dial and its own [attack.Engine].
func (r *Relay) Serve(ctx context.Context, listener net.Listener) error {
	r.pool.Add(listener)
	r.setState(status.StateRunning, "listening on "+listener.Addr().String())
	defer r.wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-r.eof:
				r.setState(status.StateStopped, "stopped")
				return nil
			default:
				r.setState(status.StateError, err.Error())
				return err
			}
		}
		r.logInfo("sourceAccepted", slog.String("remoteAddr", conn.RemoteAddr().String()))

		dst, err := r.dial(ctx)
		if err != nil {
			r.logInfo(
				"upstreamDialFailed",
				slog.Any("err", err),
				slog.String("errClass", errclass.New(err)),
			)
			conn.Close()
			continue
		}

		r.remember(conn, dst)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.forget(conn, dst)
			r.ServeConn(conn, dst)
		}()
	}
}

// Close stops the listener, cancels every engine's pending holds,
// and closes all tracked sockets. Close is idempotent and never
// misses pending work: frames still held at cancellation are
// discarded and counted, not forwarded.
func (r *Relay) Close() error {
	var err error
	r.eofOnce.Do(func() {
		close(r.eof)
		err = r.pool.Close()
		r.connsMu.Lock()
		conns := r.conns
		r.conns = nil
		r.connsMu.Unlock()
		for conn := range conns {
			// The handler may be closing it concurrently, so its
			// close error carries no signal.
			conn.Close()
		}
	})
	return err
}

// remember tracks closers so Close can tear them down while their
// handler is still running. When Close already ran, the closers are
// closed on the spot.
func (r *Relay) remember(closers ...io.Closer) {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	select {
	case <-r.eof:
		for _, closer := range closers {
			closer.Close()
		}
	default:
		for _, closer := range closers {
			r.conns[closer] = struct{}{}
		}
	}
}

// forget drops closers whose handler finished and closed them.
func (r *Relay) forget(closers ...io.Closer) {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	for _, closer := range closers {
		delete(r.conns, closer)
	}
}

// ServeConn relays frames from src to dst through a fresh attack
// engine until either side closes. It closes both connections
// before returning.
func (r *Relay) ServeConn(src, dst net.Conn) {
	engine, err := attack.New(r.cfg)
	runtimex.Assert(err == nil, "relay.New already validated the config")
	engine.Clock = r.Clock
	engine.Logger = r.Logger
	engine.Metrics = r.Metrics
	engine.Rand = r.Rand
	r.remember(engine)
	defer r.forget(engine)

	// Writer: deliver engine-scheduled frames downstream. When the
	// downstream socket dies we keep draining so held frames never
	// wedge the engine, and we cancel outstanding holds since they
	// can no longer be delivered.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for frame := range engine.Output() {
			if _, err := dst.Write(frame); err != nil {
				r.logInfo(
					"downstreamGone",
					slog.Any("err", err),
					slog.String("errClass", errclass.New(err)),
				)
				engine.Close()
				src.Close()
				for range engine.Output() {
					// drain and discard
				}
				return
			}
			if r.Metrics != nil {
				r.Metrics.RelayForwarded.Inc()
			}
		}
	}()

	// Reader: frame the upstream byte stream and submit each line
	// to the engine in arrival order.
	scanner := wire.NewScanner(src)
	for scanner.Scan() {
		frame := append([]byte{}, scanner.Bytes()...)
		frame = append(frame, '\n')
		engine.Submit(frame)
	}
	if err := scanner.Err(); err != nil {
		r.logInfo(
			"upstreamGone",
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
		)
	}

	engine.Flush()
	<-writerDone
	src.Close()
	dst.Close()
	r.logInfo("sessionDone", slog.String("remoteAddr", src.RemoteAddr().String()))
}

// dial connects to the configured destination endpoint.
func (r *Relay) dial(ctx context.Context) (net.Conn, error) {
	if r.DialContext != nil {
		return r.DialContext(ctx, r.upstream)
	}
	dialer := &net.Dialer{}
	return dialer.DialContext(ctx, "tcp", r.upstream)
}

// setState records the relay role state, when a registry is set.
func (r *Relay) setState(state status.State, text string) {
	if r.Registry != nil {
		r.Registry.Set(RoleName, state, text)
	}
}

// logInfo logs when a logger is set.
func (r *Relay) logInfo(msg string, attrs ...any) {
	if r.Logger != nil {
		r.Logger.Info(msg, attrs...)
	}
}
