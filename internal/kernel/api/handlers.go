package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kernel/pkg/types"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	cfg       Config
	mode      types.Mode
	accounts  []types.Account
	ledgerSvc AccountInfoProvider
	risk      RiskProvider
	nowFn     func() time.Time
	hub       *Hub
	logger    *slog.Logger
}

func newHandlers(cfg Config, mode types.Mode, accounts []types.Account, ledgerSvc AccountInfoProvider, risk RiskProvider, nowFn func() time.Time, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg: cfg, mode: mode, accounts: accounts, ledgerSvc: ledgerSvc, risk: risk,
		nowFn: nowFn, hub: hub, logger: logger.With("component", "dashboard-handlers"),
	}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleSnapshot returns the current dashboard state.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := BuildSnapshot(r.Context(), h.mode, h.nowFn(), h.accounts, h.ledgerSvc, h.risk)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		h.logger.Error("failed to encode snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandleStream upgrades the connection to Server-Sent Events, sends an
// initial snapshot, then streams every broadcast event until the client
// disconnects.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !isOriginAllowed(r.Header.Get("Origin"), h.cfg, r.Host) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := make(chan []byte, 256)
	h.hub.register <- client
	defer func() { h.hub.unregister <- client }()

	snap := BuildSnapshot(r.Context(), h.mode, h.nowFn(), h.accounts, h.ledgerSvc, h.risk)
	if data, err := json.Marshal(NewSnapshotEvent(snap)); err == nil {
		writeSSE(w, data)
		flusher.Flush()
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-client:
			if !ok {
				return
			}
			writeSSE(w, data)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, data []byte) {
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func isOriginAllowed(origin string, cfg Config, reqHost string) bool {
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	normalized := normalizeOrigin(originURL.Scheme, originURL.Host)
	if normalized == "" {
		return false
	}

	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			u, err := url.Parse(allowed)
			if err != nil {
				continue
			}
			if normalized == normalizeOrigin(u.Scheme, u.Host) {
				return true
			}
		}
		return false
	}

	host := strings.ToLower(originURL.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	reqHostname := normalizeHost(reqHost)
	return reqHostname != "" && host == reqHostname
}

func normalizeOrigin(scheme, host string) string {
	if scheme == "" || host == "" {
		return ""
	}
	return strings.ToLower(scheme) + "://" + strings.ToLower(host)
}

func normalizeHost(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(hostport)
}
