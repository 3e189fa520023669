// SPDX-License-Identifier: GPL-3.0-or-later

package relay_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/mitmsim/mitmsim/attack"
	"github.com/mitmsim/mitmsim/metrics"
	"github.com/mitmsim/mitmsim/relay"
	"github.com/mitmsim/mitmsim/status"
	"github.com/mitmsim/mitmsim/wire"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frame builds a valid wire frame with the given sequence.
func frame(seq uint64) []byte {
	return wire.Encode(wire.Message{Sequence: seq, Timestamp: 1.5, Payload: "hello"})
}

// readAll collects frames from conn until EOF.
func readAll(t *testing.T, conn net.Conn) []string {
	t.Helper()
	var frames []string
	scanner := wire.NewScanner(conn)
	for scanner.Scan() {
		frames = append(frames, scanner.Text())
	}
	return frames
}

func TestServeConn(t *testing.T) {
	t.Run("transparent forwards in order", func(t *testing.T) {
		rly, err := relay.New(attack.Config{Mode: attack.ModeTransparent}, "unused")
		require.NoError(t, err)
		rly.Metrics = metrics.New()

		srcLocal, srcRemote := net.Pipe()
		dstLocal, dstRemote := net.Pipe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			rly.ServeConn(srcRemote, dstLocal)
		}()

		go func() {
			for seq := uint64(1); seq <= 3; seq++ {
				srcLocal.Write(frame(seq))
			}
			srcLocal.Close()
		}()

		frames := readAll(t, dstRemote)
		require.Len(t, frames, 3)
		for idx, line := range frames {
			msg, err := wire.Decode([]byte(line))
			require.NoError(t, err)
			assert.Equal(t, uint64(idx+1), msg.Sequence)
		}
		<-done
		assert.Equal(t, 3.0, testutil.ToFloat64(rly.Metrics.RelayForwarded))
	})

	t.Run("malformed lines are forwarded as-is", func(t *testing.T) {
		rly, err := relay.New(attack.Config{Mode: attack.ModeTransparent}, "unused")
		require.NoError(t, err)

		srcLocal, srcRemote := net.Pipe()
		dstLocal, dstRemote := net.Pipe()
		go rly.ServeConn(srcRemote, dstLocal)

		go func() {
			srcLocal.Write([]byte("definitely not a message\n"))
			srcLocal.Close()
		}()

		frames := readAll(t, dstRemote)
		assert.Equal(t, []string{"definitely not a message"}, frames)
	})

	t.Run("drop rate one forwards nothing", func(t *testing.T) {
		rly, err := relay.New(attack.Config{Mode: attack.ModeDrop, DropRate: 1}, "unused")
		require.NoError(t, err)
		rly.Metrics = metrics.New()
		rly.Rand = func() float64 { return 0.5 }

		srcLocal, srcRemote := net.Pipe()
		dstLocal, dstRemote := net.Pipe()
		go rly.ServeConn(srcRemote, dstLocal)

		go func() {
			for seq := uint64(1); seq <= 5; seq++ {
				srcLocal.Write(frame(seq))
			}
			srcLocal.Close()
		}()

		assert.Empty(t, readAll(t, dstRemote))
		assert.Equal(t, 5.0, testutil.ToFloat64(rly.Metrics.RelayDropped))
	})

	t.Run("reorder releases differ from arrival order", func(t *testing.T) {
		rly, err := relay.New(attack.Config{
			Mode:          attack.ModeReorder,
			ReorderWindow: 3,
		}, "unused")
		require.NoError(t, err)

		srcLocal, srcRemote := net.Pipe()
		dstLocal, dstRemote := net.Pipe()
		go rly.ServeConn(srcRemote, dstLocal)

		go func() {
			for seq := uint64(1); seq <= 6; seq++ {
				srcLocal.Write(frame(seq))
			}
			srcLocal.Close()
		}()

		var sequences []uint64
		for _, line := range readAll(t, dstRemote) {
			msg, err := wire.Decode([]byte(line))
			require.NoError(t, err)
			sequences = append(sequences, msg.Sequence)
		}
		assert.Equal(t, []uint64{3, 2, 1, 6, 5, 4}, sequences)
	})

	t.Run("dead downstream does not wedge the relay", func(t *testing.T) {
		rly, err := relay.New(attack.Config{Mode: attack.ModeTransparent}, "unused")
		require.NoError(t, err)

		srcLocal, srcRemote := net.Pipe()
		dstLocal, dstRemote := net.Pipe()
		dstRemote.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			rly.ServeConn(srcRemote, dstLocal)
		}()

		// The first write reaches the dead socket; the relay then
		// tears the session down, which unblocks the source side.
		go func() {
			for seq := uint64(1); seq <= 10; seq++ {
				if _, err := srcLocal.Write(frame(seq)); err != nil {
					return
				}
			}
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("relay session did not terminate")
		}
	})
}

func TestServe(t *testing.T) {
	// Destination: accept one connection and collect its frames.
	destListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer destListener.Close()
	received := make(chan []string, 1)
	go func() {
		conn, err := destListener.Accept()
		if err != nil {
			received <- nil
			return
		}
		var frames []string
		scanner := wire.NewScanner(conn)
		for scanner.Scan() {
			frames = append(frames, scanner.Text())
		}
		received <- frames
	}()

	registry := &status.Registry{}
	rly, err := relay.New(
		attack.Config{Mode: attack.ModeTransparent},
		destListener.Addr().String(),
	)
	require.NoError(t, err)
	rly.Registry = registry

	relayListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- rly.Serve(context.Background(), relayListener)
	}()

	conn, err := net.Dial("tcp", relayListener.Addr().String())
	require.NoError(t, err)
	for seq := uint64(1); seq <= 4; seq++ {
		_, err := conn.Write(frame(seq))
		require.NoError(t, err)
	}
	conn.Close()

	select {
	case frames := <-received:
		require.Len(t, frames, 4)
	case <-time.After(5 * time.Second):
		t.Fatal("frames did not reach the destination")
	}

	require.NoError(t, rly.Close())
	select {
	case err := <-serveDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	for _, role := range registry.Roles() {
		if role.Name == relay.RoleName {
			assert.Equal(t, status.StateStopped, role.State)
		}
	}

	// Closing again is fine.
	assert.NoError(t, rly.Close())
}

func TestCloseAfterSessionsEnd(t *testing.T) {
	// Destination: accept every connection and drain it, signaling
	// when the relay side has hung up.
	destListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer destListener.Close()
	drained := make(chan struct{}, 4)
	go func() {
		for {
			conn, err := destListener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(io.Discard, conn)
				drained <- struct{}{}
			}()
		}
	}()

	rly, err := relay.New(
		attack.Config{Mode: attack.ModeTransparent},
		destListener.Addr().String(),
	)
	require.NoError(t, err)

	relayListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- rly.Serve(context.Background(), relayListener)
	}()

	for round := 0; round < 3; round++ {
		conn, err := net.Dial("tcp", relayListener.Addr().String())
		require.NoError(t, err)
		_, err = conn.Write(frame(1))
		require.NoError(t, err)
		require.NoError(t, conn.Close())
		select {
		case <-drained:
		case <-time.After(5 * time.Second):
			t.Fatal("relay session did not drain")
		}
	}

	// Finished sessions released their sockets, so closing the
	// relay finds nothing stale to re-close.
	require.NoError(t, rly.Close())
	select {
	case err := <-serveDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestServeConnPreservesPayloadBytes(t *testing.T) {
	rly, err := relay.New(attack.Config{Mode: attack.ModeTransparent}, "unused")
	require.NoError(t, err)

	srcLocal, srcRemote := net.Pipe()
	dstLocal, dstRemote := net.Pipe()
	go rly.ServeConn(srcRemote, dstLocal)

	payload := fmt.Sprintf("weird|payload=with separators %c", 0x7f)
	sent := wire.Encode(wire.Message{Sequence: 1, Timestamp: 2.5, Payload: payload})
	go func() {
		srcLocal.Write(sent)
		srcLocal.Close()
	}()

	frames := readAll(t, dstRemote)
	require.Len(t, frames, 1)
	assert.Equal(t, string(sent[:len(sent)-1]), frames[0])
}
