// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
)

// SignalHandler is a Runner that returns once one of its signals arrives,
// which stops every other service of the run group
type SignalHandler struct {
	logger   *slog.Logger
	signals  []os.Signal
	received atomic.Value // os.Signal
}

var _ Runner = (*SignalHandler)(nil)

func NewSignalHandler(logger *slog.Logger, signals ...os.Signal) *SignalHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalHandler{
		logger:  logger.With("service", "signal-handler"),
		signals: signals,
	}
}

func (sh *SignalHandler) Name() string {
	return "signal-handler"
}

func (sh *SignalHandler) Run(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, sh.signals...)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		sh.received.Store(sig)
		sh.logger.Info("Interrupted, generating final report", "signal", sig.String())
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Received returns the signal that stopped the handler, nil if none did
func (sh *SignalHandler) Received() os.Signal {
	sig, _ := sh.received.Load().(os.Signal)
	return sig
}
