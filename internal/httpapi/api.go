// Package httpapi serves the daemon's health, status, and metrics
// endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/robo-infra/armbus/internal/canbus"
	"github.com/robo-infra/armbus/pkg/logging"
)

// SupervisorReporter exposes the supervisor's status snapshot.
type SupervisorReporter interface {
	Report() map[string]interface{}
}

// Server is the daemon's HTTP surface.
type Server struct {
	srv     *http.Server
	log     *logging.Logger
	sup     SupervisorReporter
	bus     *canbus.Manager
	started time.Time
}

// New builds the server. reg is the registry backing /metrics.
func New(port int, sup SupervisorReporter, bus *canbus.Manager, reg *prometheus.Registry, log *logging.Logger) *Server {
	s := &Server{
		log:     log.WithField("component", "httpapi"),
		sup:     sup,
		bus:     bus,
		started: time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", map[string]interface{}{
		"addr": s.srv.Addr,
	})
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"uptime":   time.Since(s.started).String(),
		"channels": s.channelStatus(),
		"system":   systemStatus(),
	}
	if s.sup != nil {
		status["supervisor"] = s.sup.Report()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) channelStatus() interface{} {
	if s.bus == nil {
		return nil
	}
	adapters := s.bus.States()
	out := make([]map[string]interface{}, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, map[string]interface{}{
			"interface": a.Name,
			"role":      a.Role,
			"operstate": a.OperState,
			"state":     string(a.State),
		})
	}
	return out
}

// systemStatus samples host load so an operator can spot a starved
// relay loop from the status endpoint alone.
func systemStatus() map[string]interface{} {
	out := make(map[string]interface{})

	if percent, err := cpu.Percent(0, false); err == nil && len(percent) > 0 {
		out["cpu_percent"] = percent[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["memory_percent"] = vm.UsedPercent
		out["memory_used_mb"] = vm.Used / 1024 / 1024
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
