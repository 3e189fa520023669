// SPDX-License-Identifier: GPL-3.0-or-later

// Package dest implements the destination role: a TCP server that
// frames inbound traffic and feeds it to the detection engine.
package dest

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mitmsim/mitmsim/detect"
	"github.com/mitmsim/mitmsim/status"
	"github.com/mitmsim/mitmsim/wire"
	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/x/closepool"
)

// RoleName is the destination's name on the status surface.
const RoleName = "destination"

// Server is the destination role.
//
// The zero value is invalid; construct using [New]. The exported
// fields are optional and must be set before Serve.
type Server struct {
	// Clock optionally provides the receive-time clock,
	// defaulting to the system clock.
	Clock clock.Clock

	// Logger optionally emits structured logs.
	Logger *slog.Logger

	// Registry optionally receives role state transitions.
	Registry *status.Registry

	// conns tracks the live source connections, so finished
	// sources do not accumulate for the server's whole lifetime.
	conns map[net.Conn]struct{}

	// connsMu protects conns.
	connsMu sync.Mutex

	// engine classifies received traffic.
	engine *detect.Engine

	// eof signals that Close was called.
	eof chan struct{}

	// eofOnce ensures we close eof just once.
	eofOnce sync.Once

	// pool collects the listeners to close on Close.
	pool *closepool.Pool

	// wg tracks per-connection handlers.
	wg sync.WaitGroup
}

// New creates a [*Server] feeding the given detection engine.
func New(engine *detect.Engine) *Server {
	return &Server{
		conns:   map[net.Conn]struct{}{},
		connsMu: sync.Mutex{},
		engine:  engine,
		eof:     make(chan struct{}),
		eofOnce: sync.Once{},
		pool:    &closepool.Pool{},
	}
}

// Serve accepts connections from the listener until Close is called
// or the listener fails.
func (d *Server) Serve(ctx context.Context, listener net.Listener) error {
	d.pool.Add(listener)
	d.setState(status.StateRunning, "listening on "+listener.Addr().String())
	defer d.wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-d.eof:
				d.setState(status.StateStopped, "stopped")
				return nil
			default:
				d.setState(status.StateError, err.Error())
				return err
			}
		}
		d.remember(conn)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.forget(conn)
			d.serveConn(conn)
		}()
	}
}

// Close stops the listener and closes all tracked sockets.
// Close is idempotent.
func (d *Server) Close() error {
	var err error
	d.eofOnce.Do(func() {
		close(d.eof)
		err = d.pool.Close()
		d.connsMu.Lock()
		conns := d.conns
		d.conns = nil
		d.connsMu.Unlock()
		for conn := range conns {
			// The handler may be closing it concurrently, so its
			// close error carries no signal.
			conn.Close()
		}
	})
	return err
}

// remember tracks a live source connection so Close can tear it
// down. When Close already ran, the connection is closed on the spot.
func (d *Server) remember(conn net.Conn) {
	d.connsMu.Lock()
	defer d.connsMu.Unlock()
	select {
	case <-d.eof:
		conn.Close()
	default:
		d.conns[conn] = struct{}{}
	}
}

// forget drops a connection whose handler finished and closed it.
func (d *Server) forget(conn net.Conn) {
	d.connsMu.Lock()
	defer d.connsMu.Unlock()
	delete(d.conns, conn)
}

// serveConn observes one source connection until it closes. The
// source identity is the connection's remote address.
func (d *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	source := conn.RemoteAddr().String()
	d.logInfo("sourceConnected", slog.String("source", source))

	scanner := wire.NewScanner(conn)
	for scanner.Scan() {
		frame := append([]byte{}, scanner.Bytes()...)
		frame = append(frame, '\n')
		now := d.now()
		d.engine.Observe(source, frame, now)
		d.logReceipt(source, frame, now)
	}
	if err := scanner.Err(); err != nil {
		d.logInfo(
			"sourceGone",
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.String("source", source),
		)
	}

	// The source's ordering state dies with its connection; the
	// recorded alerts outlive it.
	d.engine.Reset(source)
	d.logInfo("sourceDisconnected", slog.String("source", source))
}

// logReceipt logs a received message with its computed transit
// delay, when it decodes.
func (d *Server) logReceipt(source string, frame []byte, now time.Time) {
	msg, err := wire.Decode(frame)
	if err != nil {
		return
	}
	d.logInfo(
		"messageReceived",
		slog.String("source", source),
		slog.Uint64("sequence", msg.Sequence),
		slog.Duration("delay", now.Sub(msg.Time())),
		slog.String("payload", msg.Payload),
	)
}

// now returns the receive time.
func (d *Server) now() time.Time {
	if d.Clock != nil {
		return d.Clock.Now()
	}
	return time.Now()
}

// setState records the destination role state, when a registry is set.
func (d *Server) setState(state status.State, text string) {
	if d.Registry != nil {
		d.Registry.Set(RoleName, state, text)
	}
}

// logInfo logs when a logger is set.
func (d *Server) logInfo(msg string, attrs ...any) {
	if d.Logger != nil {
		d.Logger.Info(msg, attrs...)
	}
}
