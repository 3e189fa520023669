// SPDX-License-Identifier: GPL-3.0-or-later

// Command mitmsim runs one role of the MITM simulation, or the
// whole session in-process.
//
// Usage:
//
//	mitmsim source|relay|destination|session
//
// Configuration comes from the environment (see package config).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/mitmsim/mitmsim/config"
	"github.com/mitmsim/mitmsim/dest"
	"github.com/mitmsim/mitmsim/detect"
	"github.com/mitmsim/mitmsim/relay"
	"github.com/mitmsim/mitmsim/session"
	"github.com/mitmsim/mitmsim/source"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s source|relay|destination|session\n", os.Args[0])
		os.Exit(1)
	}

	settings, err := config.FromEnv()
	if err != nil {
		fatal(err)
	}
	if err := settings.Validate(); err != nil {
		fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch role := os.Args[1]; role {
	case "source":
		err = runSource(ctx, settings, logger)
	case "relay":
		err = runRelay(ctx, settings, logger)
	case "destination":
		err = runDestination(ctx, settings, logger)
	case "session":
		err = runSession(ctx, settings)
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q\n", role)
		os.Exit(1)
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "mitmsim: %s\n", err.Error())
	os.Exit(1)
}

// runSource dials the configured target and sends paced messages.
func runSource(ctx context.Context, settings config.Settings, logger *slog.Logger) error {
	src, err := source.New(settings.MessageInterval, settings.Payload)
	if err != nil {
		return err
	}
	src.Logger = logger
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", settings.SourceDial)
	if err != nil {
		return err
	}
	return src.Run(ctx, conn)
}

// runRelay listens for the source and forwards to the destination
// under the configured attack mode.
func runRelay(ctx context.Context, settings config.Settings, logger *slog.Logger) error {
	attackCfg, err := settings.AttackConfig()
	if err != nil {
		return err
	}
	rly, err := relay.New(attackCfg, settings.RelayUpstream)
	if err != nil {
		return err
	}
	rly.Logger = logger
	listener, err := net.Listen("tcp", settings.RelayListen)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		rly.Close()
	}()
	return rly.Serve(ctx, listener)
}

// runDestination listens for traffic and runs detection on it.
func runDestination(ctx context.Context, settings config.Settings, logger *slog.Logger) error {
	engine, err := detect.New(settings.DetectConfig())
	if err != nil {
		return err
	}
	engine.Logger = logger
	server := dest.New(engine)
	server.Logger = logger
	listener, err := net.Listen("tcp", settings.ServerListen)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	return server.Serve(ctx, listener)
}

// runSession runs source, relay, and destination in-process.
func runSession(ctx context.Context, settings config.Settings) error {
	sess, err := session.New(settings)
	if err != nil {
		return err
	}
	if err := sess.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return sess.Close()
}
