package peer

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrchat/internal/telemetry"
)

// maxBody caps a message posted over HTTP.
const maxBody = 64 << 10

// Mux serves the diagnostic routes and /metrics.
func (p *Peer) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(p.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(p.Info)))
	mux.Handle("/debug/snapshot", telemetry.Instrument("snapshot", http.HandlerFunc(p.DebugSnapshot)))
	mux.Handle("/messages", telemetry.Instrument("messages", http.HandlerFunc(p.HandleMessages)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// Healthz returns 200 OK once the peer is running.
func (p *Peer) Healthz(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		http.Error(w, "not started", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the process ID, current time, identity and view size.
func (p *Peer) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID      int       `json:"pid"`
		Now      time.Time `json:"now"`
		Address  string    `json:"address"`
		Name     string    `json:"name"`
		Topic    string    `json:"topic"`
		Members  int       `json:"members"`
		Active   int       `json:"active"`
		Buffered int       `json:"buffered"`
	}
	p.writeJSON(w, http.StatusOK, resp{
		PID:      os.Getpid(),
		Now:      p.clk.Now(),
		Address:  p.self.Address,
		Name:     p.self.Name,
		Topic:    p.cfg.Topic,
		Members:  len(p.members.Members()),
		Active:   p.ActiveCount(),
		Buffered: p.buffer.Len(),
	})
}

// DebugSnapshot writes Snapshot as JSON.
func (p *Peer) DebugSnapshot(w http.ResponseWriter, _ *http.Request) {
	p.writeJSON(w, http.StatusOK, p.Snapshot())
}

// HandleMessages lists buffered messages on GET and sends the request body
// on POST.
func (p *Peer) HandleMessages(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		p.writeJSON(w, http.StatusOK, p.buffer.Messages())
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(req.Body, maxBody))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(body) == 0 {
			http.Error(w, "empty message", http.StatusBadRequest)
			return
		}
		idx, err := p.Send(req.Context(), string(body))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		p.writeJSON(w, http.StatusCreated, map[string]uint64{"index": idx})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (p *Peer) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error("encode response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
