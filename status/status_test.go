// SPDX-License-Identifier: GPL-3.0-or-later

package status_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/mitmsim/mitmsim/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", status.StateRunning.String())
	assert.Equal(t, "stopped", status.StateStopped.String())
	assert.Equal(t, "error", status.StateError.String())
}

func TestRegistry(t *testing.T) {
	t.Run("empty registry", func(t *testing.T) {
		registry := &status.Registry{}
		assert.Empty(t, registry.Roles())
		assert.False(t, registry.Running())
	})

	t.Run("roles are sorted and updatable", func(t *testing.T) {
		registry := &status.Registry{}
		registry.Set("source", status.StateRunning, "sending")
		registry.Set("destination", status.StateRunning, "listening")
		registry.Set("relay", status.StateRunning, "listening")
		registry.Set("source", status.StateError, "broken pipe")

		roles := registry.Roles()
		require.Len(t, roles, 3)
		assert.Equal(t, "destination", roles[0].Name)
		assert.Equal(t, "relay", roles[1].Name)
		assert.Equal(t, "source", roles[2].Name)
		assert.Equal(t, status.StateError, roles[2].State)
		assert.Equal(t, "broken pipe", roles[2].Status)
		assert.True(t, registry.Running())
	})

	t.Run("running only while some role runs", func(t *testing.T) {
		registry := &status.Registry{}
		registry.Set("relay", status.StateRunning, "listening")
		assert.True(t, registry.Running())
		registry.Set("relay", status.StateStopped, "stopped")
		assert.False(t, registry.Running())
	})
}

func TestLogBuffer(t *testing.T) {
	t.Run("tail returns most recent lines oldest first", func(t *testing.T) {
		buf := &status.LogBuffer{}
		for idx := 1; idx <= 5; idx++ {
			buf.Append(fmt.Sprintf("line-%d", idx))
		}
		assert.Equal(t, []string{"line-4", "line-5"}, buf.Tail(2))
		assert.Equal(t,
			[]string{"line-1", "line-2", "line-3", "line-4", "line-5"},
			buf.Tail(100))
		assert.Nil(t, buf.Tail(0))
	})

	t.Run("capacity bounds the buffer", func(t *testing.T) {
		buf := &status.LogBuffer{Capacity: 3}
		for idx := 1; idx <= 10; idx++ {
			buf.Append(fmt.Sprintf("line-%d", idx))
		}
		assert.Equal(t, []string{"line-8", "line-9", "line-10"}, buf.Tail(100))
	})

	t.Run("concurrent append and tail", func(t *testing.T) {
		buf := &status.LogBuffer{Capacity: 64}
		var wg sync.WaitGroup
		for worker := 0; worker < 4; worker++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				for idx := 0; idx < 100; idx++ {
					buf.Append(fmt.Sprintf("worker-%d-%d", worker, idx))
					buf.Tail(10)
				}
			}(worker)
		}
		wg.Wait()
		assert.Len(t, buf.Tail(1000), 64)
	})
}
