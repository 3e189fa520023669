// SPDX-License-Identifier: GPL-3.0-or-later

package attack

import (
	"fmt"
	"time"
)

// Mode selects the transformation the relay applies to traffic.
type Mode int

const (
	// ModeTransparent forwards every frame immediately, unmodified.
	ModeTransparent = Mode(iota)

	// ModeRandomDelay holds each frame for an independent uniform
	// random delay before forwarding it.
	ModeRandomDelay

	// ModeDrop discards each frame independently with a
	// configured probability.
	ModeDrop

	// ModeReorder buffers frames and releases them in an order
	// that differs from arrival order.
	ModeReorder
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeTransparent:
		return "transparent"
	case ModeRandomDelay:
		return "random_delay"
	case ModeDrop:
		return "drop"
	case ModeReorder:
		return "reorder"
	default:
		return "unknown"
	}
}

// ParseMode maps a configuration string to a [Mode].
//
// The legacy modify/replay/delay vocabulary found in older project
// documentation is rejected with an explicit error rather than
// silently remapped.
func ParseMode(value string) (Mode, error) {
	switch value {
	case "transparent":
		return ModeTransparent, nil
	case "random_delay":
		return ModeRandomDelay, nil
	case "drop":
		return ModeDrop, nil
	case "reorder":
		return ModeReorder, nil
	case "modify", "replay", "delay":
		return 0, fmt.Errorf("attack: legacy mode %q is not supported", value)
	default:
		return 0, fmt.Errorf("attack: unknown mode %q", value)
	}
}

// Config is the immutable attack configuration of a relay session.
type Config struct {
	// Mode is the transformation to apply.
	Mode Mode

	// DelayMin is the lower bound for random_delay holds.
	DelayMin time.Duration

	// DelayMax is the upper bound for random_delay holds.
	DelayMax time.Duration

	// DropRate is the per-frame discard probability for drop mode.
	DropRate float64

	// ReorderWindow is the reorder buffer capacity.
	ReorderWindow int
}

// Validate checks the configuration invariants. A session must not
// start when Validate returns an error.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeTransparent:
		return nil

	case ModeRandomDelay:
		if c.DelayMin < 0 {
			return fmt.Errorf("attack: delay_min %v is negative", c.DelayMin)
		}
		if c.DelayMax < c.DelayMin {
			return fmt.Errorf(
				"attack: delay_max %v is below delay_min %v",
				c.DelayMax, c.DelayMin,
			)
		}
		return nil

	case ModeDrop:
		if c.DropRate < 0 || c.DropRate > 1 {
			return fmt.Errorf("attack: drop_rate %v is outside [0,1]", c.DropRate)
		}
		return nil

	case ModeReorder:
		if c.ReorderWindow <= 0 {
			return fmt.Errorf(
				"attack: reorder_window %d is not positive", c.ReorderWindow)
		}
		return nil

	default:
		return fmt.Errorf("attack: unknown mode %d", int(c.Mode))
	}
}
