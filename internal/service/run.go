// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/oklog/run"
)

// Run runs all services that implement the Runner interface until the first
// of them returns; the others are then cancelled and shut down. Services
// returning context.Canceled are treated as stopped on request, so Run only
// returns an error when a service failed.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	logger.Info("Running all services")
	ctx, cancel := context.WithCancel(outer)
	defer cancel()

	var g run.Group
	for _, s := range services {
		runner, ok := s.(Runner)
		if !ok {
			logger.Debug("skipping service", "service", s.Name(),
				"reason", "service does not implement Runner")
			continue
		}
		g.Add(execute(ctx, logger, runner), interrupt(cancel, logger, s))
	}

	if err := g.Run(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func execute(ctx context.Context, logger *slog.Logger, r Runner) func() error {
	return func() error {
		logger.Info("Running service", "service", r.Name())
		err := r.Run(ctx)
		logger.Debug("service returned", "service", r.Name(), "error", err)
		return err
	}
}

func interrupt(cancel context.CancelFunc, logger *slog.Logger, s Service) func(error) {
	return func(err error) {
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("service terminated", "service", s.Name(), "reason", err)
		}

		shutdowner, ok := s.(Shutdowner)
		if !ok {
			logger.Debug("skipping service shutting down", "service", s.Name(),
				"reason", "service does not implement Shutdowner interface")
			return
		}

		logger.Info("shutting down", "service", s.Name())
		if shutdownErr := shutdowner.Shutdown(); shutdownErr != nil {
			logger.Warn("service shutdown failed with error", "service", s.Name(), "error", shutdownErr)
		}
	}
}
