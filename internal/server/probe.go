// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"

	"github.com/sustainable-computing-io/kepler-trace/internal/monitor"
	"github.com/sustainable-computing-io/kepler-trace/internal/service"
)

// Probe serves liveness, readiness and a JSON status of the running trace
type Probe struct {
	api     APIService
	samples monitor.SampleProvider
}

var _ service.Initializer = (*Probe)(nil)

// NewProbe creates a probe service reporting on the samples of sp
func NewProbe(api APIService, sp monitor.SampleProvider) *Probe {
	return &Probe{api: api, samples: sp}
}

func (p *Probe) Name() string {
	return "probe"
}

func (p *Probe) Init() error {
	return p.api.Register("/probe/", "probe", "Health and trace status endpoints", p.handlers())
}

func (p *Probe) handlers() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/probe/livez", p.livez)
	mux.HandleFunc("/probe/readyz", p.readyz)
	mux.HandleFunc("/probe/status", p.status)
	return mux
}

func (p *Probe) livez(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "alive"})
}

// readyz succeeds once the first sample of the session was taken
func (p *Probe) readyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if p.samples.Latest() == nil {
		respond(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "no sample taken yet",
		})
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

type domainStatus struct {
	Domain string  `json:"domain"`
	Active bool    `json:"active"`
	Joules float64 `json:"joules,omitempty"`
	Watts  float64 `json:"watts,omitempty"`
}

type traceStatus struct {
	PID        int            `json:"pid"`
	Samples    int            `json:"samples"`
	Elapsed    float64        `json:"elapsed_seconds"`
	CPUPercent float64        `json:"cpu_percent"`
	State      string         `json:"state"`
	Domains    []domainStatus `json:"domains"`
}

func (p *Probe) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := traceStatus{PID: p.samples.PID(), Domains: []domainStatus{}}
	s := p.samples.Latest()
	for _, d := range p.samples.Domains() {
		ds := domainStatus{Domain: d.Column(), Active: s == nil || s.Has(d)}
		if s != nil && ds.Active {
			ds.Joules = s.Energy[d].Joules()
			ds.Watts = s.Power[d].Watts()
		}
		st.Domains = append(st.Domains, ds)
	}
	if s != nil {
		st.Samples = s.Tick + 1
		st.Elapsed = s.Elapsed.Seconds()
		st.CPUPercent = s.CPUPercent
		st.State = s.Process.StateLabel
	}
	respond(w, http.StatusOK, st)
}

func respond(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
