// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/sustainable-computing-io/kepler-trace/internal/service"
)

const pprofPrefix = "/debug/pprof/"

// default "seconds" of the sampling endpoints of net/http/pprof
const (
	defaultProfileSeconds = 30
	defaultTraceSeconds   = 1
)

// Pprof mounts the runtime profiling endpoints on the API server. The server
// stops with the trace, so the sampling endpoints are capped to the trace
// duration instead of being cut off at shutdown.
type Pprof struct {
	api    APIService
	window time.Duration
}

var _ service.Initializer = (*Pprof)(nil)

// NewPprof creates the profiling endpoints. window caps the "seconds" of
// CPU profiles and execution traces; a zero window leaves them unbounded.
func NewPprof(api APIService, window time.Duration) *Pprof {
	return &Pprof{api: api, window: window}
}

func (p *Pprof) Name() string {
	return "pprof"
}

func (p *Pprof) Init() error {
	return p.api.Register(pprofPrefix, "pprof", "Profiling data of the tracer", p.handlers())
}

func (p *Pprof) handlers() http.Handler {
	mux := http.NewServeMux()
	for path, h := range map[string]http.HandlerFunc{
		"":        pprof.Index,
		"cmdline": pprof.Cmdline,
		"symbol":  pprof.Symbol,
		"profile": capSeconds(pprof.Profile, defaultProfileSeconds, p.window),
		"trace":   capSeconds(pprof.Trace, defaultTraceSeconds, p.window),
	} {
		mux.HandleFunc(pprofPrefix+path, h)
	}
	return mux
}

// capSeconds rewrites the "seconds" query parameter so that the sampling
// handler next never runs past window. Malformed values are left for next
// to reject.
func capSeconds(next http.HandlerFunc, def int, window time.Duration) http.HandlerFunc {
	if window <= 0 {
		return next
	}
	limit := max(int(window/time.Second), 1)

	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		seconds := def
		if raw := q.Get("seconds"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				next(w, r)
				return
			}
			seconds = v
		}

		if seconds > limit {
			q.Set("seconds", strconv.Itoa(limit))
			r.URL.RawQuery = q.Encode()
		}
		next(w, r)
	}
}
