// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockUntilDone runs until the group cancels it
func blockUntilDone(started chan<- struct{}) func(context.Context) error {
	return func(ctx context.Context) error {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

func runAsync(ctx context.Context, services []Service) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, nil, services)
	}()
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		require.FailNow(t, "Run did not return")
		return nil
	}
}

func TestRun(t *testing.T) {
	t.Run("finished session stops the other services", func(t *testing.T) {
		session := &mockRunShutdownService{
			mockService: mockService{name: "monitor"},
			runFn: func(ctx context.Context) error {
				return nil
			},
		}
		apiServer := &mockRunShutdownService{
			mockService: mockService{name: "api-server"},
			runFn:       blockUntilDone(nil),
		}
		signals := &mockRunner{
			mockService: mockService{name: "signal-handler"},
			runFn:       blockUntilDone(nil),
		}
		passive := &mockService{name: "probe"}

		err := waitErr(t, runAsync(context.Background(), []Service{session, apiServer, signals, passive}))

		assert.NoError(t, err)
		assert.Equal(t, 1, session.runCount)
		assert.Equal(t, 1, session.shutdownCount)
		assert.Equal(t, 1, apiServer.runCount)
		assert.Equal(t, 1, apiServer.shutdownCount)
		assert.Equal(t, 1, signals.runCount)
	})

	t.Run("interrupt cancels a running session", func(t *testing.T) {
		sessionStarted := make(chan struct{})
		var sessionErr error
		session := &mockRunShutdownService{
			mockService: mockService{name: "monitor"},
			runFn: func(ctx context.Context) error {
				close(sessionStarted)
				<-ctx.Done()
				sessionErr = ctx.Err()
				// the report is still delivered after cancellation
				return nil
			},
		}
		interrupt := make(chan struct{})
		signals := &mockRunner{
			mockService: mockService{name: "signal-handler"},
			runFn: func(ctx context.Context) error {
				select {
				case <-interrupt:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		}

		errCh := runAsync(context.Background(), []Service{session, signals})
		<-sessionStarted
		close(interrupt)

		assert.NoError(t, waitErr(t, errCh))
		assert.ErrorIs(t, sessionErr, context.Canceled)
		assert.Equal(t, 1, session.shutdownCount)
	})

	t.Run("outer cancellation is not a failure", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		started1, started2 := make(chan struct{}), make(chan struct{})
		svc1 := &mockRunShutdownService{mockService: mockService{name: "svc1"}, runFn: blockUntilDone(started1)}
		svc2 := &mockRunShutdownService{mockService: mockService{name: "svc2"}, runFn: blockUntilDone(started2)}

		errCh := runAsync(ctx, []Service{svc1, svc2})
		<-started1
		<-started2
		cancel()

		assert.NoError(t, waitErr(t, errCh))
		assert.Equal(t, 1, svc1.shutdownCount)
		assert.Equal(t, 1, svc2.shutdownCount)
	})

	t.Run("failing service error is returned", func(t *testing.T) {
		runErr := errors.New("listen tcp :28283: bind: address already in use")
		failing := &mockRunShutdownService{
			mockService: mockService{name: "api-server"},
			runFn: func(ctx context.Context) error {
				return runErr
			},
		}
		session := &mockRunShutdownService{
			mockService: mockService{name: "monitor"},
			runFn:       blockUntilDone(nil),
		}

		err := waitErr(t, runAsync(context.Background(), []Service{session, failing}))

		assert.ErrorIs(t, err, runErr)
		assert.Equal(t, 1, failing.shutdownCount)
		assert.Equal(t, 1, session.shutdownCount)
	})

	t.Run("shutdown error does not replace the run error", func(t *testing.T) {
		runErr := errors.New("run error")
		shutdownErr := errors.New("shutdown error")
		svc := &mockRunShutdownService{
			mockService: mockService{name: "svc"},
			runFn: func(ctx context.Context) error {
				return runErr
			},
			shutdownFn: func() error {
				return shutdownErr
			},
		}

		err := Run(context.Background(), nil, []Service{svc})

		assert.ErrorIs(t, err, runErr)
		assert.NotErrorIs(t, err, shutdownErr)
		assert.Equal(t, 1, svc.runCount)
		assert.Equal(t, 1, svc.shutdownCount)
	})

	t.Run("runner without Shutdown is only cancelled", func(t *testing.T) {
		runErr := errors.New("run error")
		svc1 := &mockRunner{
			mockService: mockService{name: "svc1"},
			runFn: func(ctx context.Context) error {
				return runErr
			},
		}
		svc2 := &mockRunner{mockService: mockService{name: "svc2"}, runFn: blockUntilDone(nil)}

		err := waitErr(t, runAsync(context.Background(), []Service{svc1, svc2}))
		assert.ErrorIs(t, err, runErr)
		assert.Equal(t, 1, svc2.runCount)
	})

	t.Run("no runners", func(t *testing.T) {
		assert.NoError(t, Run(context.Background(), nil, []Service{}))
		assert.NoError(t, Run(context.Background(), nil, []Service{&mockService{name: "probe"}}))
	})
}
