// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/kepler-trace/internal/device"
	"github.com/sustainable-computing-io/kepler-trace/internal/monitor"
	"github.com/sustainable-computing-io/kepler-trace/internal/process"
)

// fakeProvider is a SampleProvider with a fixed latest sample
type fakeProvider struct {
	latest *monitor.Sample
}

func (f *fakeProvider) Domains() []device.Domain { return []device.Domain{device.Package} }
func (f *fakeProvider) Latest() *monitor.Sample  { return f.latest }
func (f *fakeProvider) PID() int                 { return 99 }

// MockAPIRegistry mocks the APIRegistry interface
type MockAPIRegistry struct {
	mock.Mock
}

func (m *MockAPIRegistry) Register(endpoint, summary, description string, handler http.Handler) error {
	args := m.Called(endpoint, summary, description, handler)
	return args.Error(0)
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		name string
		opts []OptionFn
	}{{
		name: "default options",
		opts: []OptionFn{},
	}, {
		name: "with custom logger",
		opts: []OptionFn{
			WithLogger(slog.Default().With("test", "custom")),
		},
	}, {
		name: "with debug collectors",
		opts: []OptionFn{
			WithDebugCollectors([]string{"go", "process"}),
		},
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp := &fakeProvider{}
			mockRegistry := new(MockAPIRegistry)

			exporter := NewExporter(sp, mockRegistry, tt.opts...)

			assert.NotNil(t, exporter)
			assert.Equal(t, "prometheus", exporter.Name())
			assert.NotNil(t, exporter.logger)
			assert.NotNil(t, exporter.registry)
			assert.Same(t, sp, exporter.monitor)
			assert.Same(t, mockRegistry, exporter.server)
		})
	}
}

func TestExporter_Init(t *testing.T) {
	t.Run("starts successfully", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}
		mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(nil)

		exporter := NewExporter(&fakeProvider{}, mockRegistry)
		assert.NoError(t, exporter.Init())
		mockRegistry.AssertExpectations(t)
	})

	t.Run("registry returns error", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}
		expectedErr := errors.New("register error")
		mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(expectedErr)

		exporter := NewExporter(&fakeProvider{}, mockRegistry)
		err := exporter.Init()
		assert.Equal(t, expectedErr, err)
		mockRegistry.AssertExpectations(t)
	})

	t.Run("with invalid collector", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}
		exporter := NewExporter(&fakeProvider{}, mockRegistry,
			WithDebugCollectors([]string{"unknown_collector"}))

		err := exporter.Init()
		assert.ErrorContains(t, err, "unknown collector: unknown_collector")
		mockRegistry.AssertNotCalled(t, "Register")
	})

	t.Run("with duplicate collector", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}
		c := CreateCollectors(&fakeProvider{})
		exporter := NewExporter(&fakeProvider{}, mockRegistry,
			WithCollectors(map[string]prom.Collector{
				"a": c["build_info"],
				"b": CreateCollectors(&fakeProvider{})["build_info"],
			}))

		err := exporter.Init()
		assert.ErrorContains(t, err, "failed to register collector")
		mockRegistry.AssertNotCalled(t, "Register")
	})
}

func TestCollectorForName(t *testing.T) {
	for _, name := range []string{"go", "process"} {
		t.Run(name, func(t *testing.T) {
			collector, err := collectorForName(name)
			require.NoError(t, err)
			assert.NoError(t, prom.NewRegistry().Register(collector))
		})
	}

	t.Run("unknown", func(t *testing.T) {
		collector, err := collectorForName("unknown")
		assert.ErrorContains(t, err, "unknown collector: unknown")
		assert.Nil(t, collector)
	})
}

func TestWithOptions(t *testing.T) {
	t.Run("WithLogger", func(t *testing.T) {
		customLogger := slog.Default().With("custom", "logger")
		opts := DefaultOpts()
		WithLogger(customLogger)(&opts)
		assert.Equal(t, customLogger, opts.logger)
	})

	t.Run("WithDebugCollectors", func(t *testing.T) {
		opts := DefaultOpts()
		assert.True(t, opts.debugCollectors["go"])

		WithDebugCollectors([]string{"process"})(&opts)
		assert.False(t, opts.debugCollectors["go"])
		assert.True(t, opts.debugCollectors["process"])
	})
}

func TestExporter_CreateCollectors(t *testing.T) {
	coll := CreateCollectors(&fakeProvider{}, WithLogger(slog.Default()))
	assert.Len(t, coll, 2)
	assert.Contains(t, coll, "build_info")
	assert.Contains(t, coll, "trace")
}

func TestExporter_ServesMetrics(t *testing.T) {
	sp := &fakeProvider{latest: &monitor.Sample{
		Tick:    1,
		Elapsed: time.Second,
		Domains: []device.Domain{device.Package},
		Energy:  map[device.Domain]device.Energy{device.Package: 12 * device.Joule},
		Power:   map[device.Domain]device.Power{device.Package: 12 * device.Watt},
		Process: process.Snapshot{PID: 99, Comm: "stress", StateLabel: "running"},
	}}

	var handler http.Handler
	mockRegistry := &MockAPIRegistry{}
	mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).
		Run(func(args mock.Arguments) {
			handler = args.Get(3).(http.Handler)
		}).Return(nil)

	exporter := NewExporter(sp, mockRegistry,
		WithDebugCollectors(nil),
		WithCollectors(CreateCollectors(sp)))
	require.NoError(t, exporter.Init())
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `kepler_trace_rapl_joules_total{domain="package",pid="99"} 12`)
	assert.Contains(t, string(body), `kepler_trace_build_info{`)
	assert.NotContains(t, string(body), "go_goroutines")
}
