// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads the simulation settings snapshot.
//
// Settings come from the environment using the variable names of the
// documented configuration contract (PROXY_MODE, PROXY_DELAY_MIN,
// SERVER_MAX_DELAY, ...). A [Settings] value is a read-only snapshot:
// changing the attack mode requires constructing a new session.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/mitmsim/mitmsim/attack"
	"github.com/mitmsim/mitmsim/detect"
)

// Settings is the configuration snapshot of one simulation session.
type Settings struct {
	// Mode is the relay attack mode name.
	Mode string

	// DelayMin is the lower random_delay bound.
	DelayMin time.Duration

	// DelayMax is the upper random_delay bound.
	DelayMax time.Duration

	// DropRate is the drop-mode discard probability.
	DropRate float64

	// ReorderWindow is the reorder buffer capacity.
	ReorderWindow int

	// MaxDelay is the detection latency threshold.
	MaxDelay time.Duration

	// DetectionEnabled controls alert emission.
	DetectionEnabled bool

	// MessageInterval is the source pacing interval.
	MessageInterval time.Duration

	// Payload is the source message payload.
	Payload string

	// UseRelay selects whether the source dials the relay or
	// goes straight to the destination.
	UseRelay bool

	// RelayListen is the relay listening endpoint.
	RelayListen string

	// RelayUpstream is the endpoint the relay dials.
	RelayUpstream string

	// ServerListen is the destination listening endpoint.
	ServerListen string

	// SourceDial is the endpoint the source dials.
	SourceDial string
}

// Default returns the factory-default settings.
func Default() Settings {
	return Settings{
		Mode:             "random_delay",
		DelayMin:         2 * time.Second,
		DelayMax:         10 * time.Second,
		DropRate:         0.3,
		ReorderWindow:    5,
		MaxDelay:         6 * time.Second,
		DetectionEnabled: true,
		MessageInterval:  10 * time.Second,
		Payload:          "Username=ROOT=, Password=SSHTERMINAL",
		UseRelay:         true,
		RelayListen:      "0.0.0.0:9000",
		RelayUpstream:    "server:9001",
		ServerListen:     "0.0.0.0:9001",
		SourceDial:       "proxy:9000",
	}
}

// FromEnv reads settings from the environment, starting from the
// factory defaults for anything unset.
func FromEnv() (Settings, error) {
	settings := Default()
	var err error

	if value, ok := os.LookupEnv("PROXY_MODE"); ok {
		settings.Mode = value
	}
	if settings.DelayMin, err = envSeconds("PROXY_DELAY_MIN", settings.DelayMin); err != nil {
		return Settings{}, err
	}
	if settings.DelayMax, err = envSeconds("PROXY_DELAY_MAX", settings.DelayMax); err != nil {
		return Settings{}, err
	}
	if settings.DropRate, err = envFloat("PROXY_DROP_RATE", settings.DropRate); err != nil {
		return Settings{}, err
	}
	if settings.ReorderWindow, err = envInt("PROXY_REORDER_WINDOW", settings.ReorderWindow); err != nil {
		return Settings{}, err
	}
	if settings.MaxDelay, err = envSeconds("SERVER_MAX_DELAY", settings.MaxDelay); err != nil {
		return Settings{}, err
	}
	if settings.DetectionEnabled, err = envBool("SERVER_DETECTION_ENABLED", settings.DetectionEnabled); err != nil {
		return Settings{}, err
	}
	if settings.MessageInterval, err = envSeconds("CLIENT_MESSAGE_INTERVAL", settings.MessageInterval); err != nil {
		return Settings{}, err
	}
	if value, ok := os.LookupEnv("CLIENT_MESSAGE_PAYLOAD"); ok {
		settings.Payload = value
	}

	settings.RelayListen = envEndpoint(
		"PROXY_LISTEN_HOST", "PROXY_LISTEN_PORT", settings.RelayListen)
	settings.RelayUpstream = envEndpoint(
		"PROXY_SERVER_HOST", "PROXY_SERVER_PORT", settings.RelayUpstream)
	settings.ServerListen = envEndpoint(
		"SERVER_LISTEN_HOST", "SERVER_LISTEN_PORT", settings.ServerListen)
	settings.SourceDial = envEndpoint(
		"CLIENT_PROXY_HOST", "CLIENT_PROXY_PORT", settings.SourceDial)

	return settings, nil
}

// AttackConfig converts the snapshot to an [attack.Config].
func (s Settings) AttackConfig() (attack.Config, error) {
	mode, err := attack.ParseMode(s.Mode)
	if err != nil {
		return attack.Config{}, err
	}
	return attack.Config{
		Mode:          mode,
		DelayMin:      s.DelayMin,
		DelayMax:      s.DelayMax,
		DropRate:      s.DropRate,
		ReorderWindow: s.ReorderWindow,
	}, nil
}

// DetectConfig converts the snapshot to a [detect.Config].
func (s Settings) DetectConfig() detect.Config {
	return detect.Config{
		Enabled:  s.DetectionEnabled,
		MaxDelay: s.MaxDelay,
	}
}

// Validate checks the whole snapshot before a session starts.
func (s Settings) Validate() error {
	cfg, err := s.AttackConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := s.DetectConfig().Validate(); err != nil {
		return err
	}
	if s.MessageInterval <= 0 {
		return fmt.Errorf("config: message_interval %v is not positive", s.MessageInterval)
	}
	return nil
}

// envSeconds reads a floating-point seconds variable.
func envSeconds(name string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return fallback, nil
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// envFloat reads a floating-point variable.
func envFloat(name string, fallback float64) (float64, error) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return parsed, nil
}

// envInt reads an integer variable.
func envInt(name string, fallback int) (int, error) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return parsed, nil
}

// envBool reads a boolean variable.
func envBool(name string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", name, err)
	}
	return parsed, nil
}

// envEndpoint combines HOST and PORT variables into host:port,
// keeping the fallback parts for whichever is unset.
func envEndpoint(hostName, portName, fallback string) string {
	host, port, err := net.SplitHostPort(fallback)
	if err != nil {
		host, port = fallback, ""
	}
	if value, ok := os.LookupEnv(hostName); ok {
		host = value
	}
	if value, ok := os.LookupEnv(portName); ok {
		port = value
	}
	return net.JoinHostPort(host, port)
}
