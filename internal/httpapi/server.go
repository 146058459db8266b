package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	qrcode "github.com/skip2/go-qrcode"

	"crabstack.local/crab-relay/internal/gateway"
	"crabstack.local/crab-relay/internal/logging"
	"crabstack.local/crab-relay/internal/metrics"
	"crabstack.local/crab-relay/internal/session"
	"crabstack.local/crab-relay/internal/status"
	"crabstack.local/crab-relay/internal/types"
)

const (
	maxRequestBytes    int64 = 1 << 20
	defaultQRSize            = 256
	maxQRSize                = 1024
	tenantRoutePrefix        = "/v1/tenants/{tenant}"
	singleTenantPrefix       = "/v1/session"
)

type Options struct {
	Addr           string
	AuthToken      string
	SingleTenantID string
}

type server struct {
	logger       zerolog.Logger
	gateway      *gateway.Service
	authToken    string
	singleTenant string
}

func NewServer(logger zerolog.Logger, opts Options, gatewayService *gateway.Service) *http.Server {
	return &http.Server{
		Addr:              opts.Addr,
		Handler:           NewHandler(logger, opts, gatewayService),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func NewHandler(logger zerolog.Logger, opts Options, gatewayService *gateway.Service) http.Handler {
	s := &server{
		logger:       logging.Component(logger, "httpapi"),
		gateway:      gatewayService,
		authToken:    strings.TrimSpace(opts.AuthToken),
		singleTenant: strings.TrimSpace(opts.SingleTenantID),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /v1/tenants", s.requireAuth(s.handleTenants))

	prefixes := []string{tenantRoutePrefix}
	if s.singleTenant != "" {
		prefixes = append(prefixes, singleTenantPrefix)
	}
	for _, prefix := range prefixes {
		mux.HandleFunc("POST "+prefix+"/connect", s.requireAuth(s.handleConnect))
		mux.HandleFunc("POST "+prefix+"/disconnect", s.requireAuth(s.handleDisconnect))
		mux.HandleFunc("POST "+prefix+"/logout", s.requireAuth(s.handleLogout))
		mux.HandleFunc("POST "+prefix+"/messages", s.requireAuth(s.handleSend))
		mux.HandleFunc("GET "+prefix+"/chats", s.requireAuth(s.handleChats))
		mux.HandleFunc("GET "+prefix+"/chats/{chat}/messages", s.requireAuth(s.handleMessages))
		mux.HandleFunc("GET "+prefix+"/status", s.requireAuth(s.handleStatus))
		mux.HandleFunc("GET "+prefix+"/pairing.png", s.requireAuth(s.handlePairingQR))
		mux.HandleFunc("GET "+prefix+"/ws", s.requireAuth(s.handleWS))
	}

	return instrument(mux)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleTenants(w http.ResponseWriter, _ *http.Request) {
	tenants := s.gateway.Tenants()
	if tenants == nil {
		tenants = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	snap, err := s.gateway.Connect(r.Context(), s.tenantOf(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.Disconnect(r.Context(), s.tenantOf(r)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.Logout(r.Context(), s.tenantOf(r)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type sendRequestBody struct {
	ChatID  string                `json:"chat_id"`
	Message types.OutboundMessage `json:"message"`
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req sendRequestBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if dec.More() {
		http.Error(w, "invalid json: trailing content", http.StatusBadRequest)
		return
	}

	sent, err := s.gateway.Send(r.Context(), s.tenantOf(r), req.ChatID, req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sent)
}

func (s *server) handleChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.gateway.FetchChats(r.Context(), s.tenantOf(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	chatID := r.PathValue("chat")
	messages, err := s.gateway.FetchMessages(r.Context(), s.tenantOf(r), chatID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": chatID, "messages": messages})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.gateway.Status(s.tenantOf(r))
	if err != nil {
		if gateway.IsAbsent(err) {
			writeJSON(w, http.StatusNotFound, map[string]any{"state": "absent"})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) handlePairingQR(w http.ResponseWriter, r *http.Request) {
	size := defaultQRSize
	if raw := strings.TrimSpace(r.URL.Query().Get("size")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxQRSize {
			http.Error(w, fmt.Sprintf("size must be between 1 and %d", maxQRSize), http.StatusBadRequest)
			return
		}
		size = parsed
	}

	snap, err := s.gateway.Status(s.tenantOf(r))
	if err != nil && !gateway.IsAbsent(err) {
		s.writeError(w, err)
		return
	}
	if err != nil || snap.PairingCode == nil || snap.PairingCode.Expired(time.Now()) {
		http.Error(w, "no pending pairing code", http.StatusNotFound)
		return
	}

	png, err := qrcode.Encode(snap.PairingCode.Code, qrcode.Medium, size)
	if err != nil {
		s.logger.Error().Str("tenant_id", snap.TenantID).Err(err).Msg("render pairing qr failed")
		http.Error(w, "render pairing code failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *server) tenantOf(r *http.Request) string {
	if tenantID := strings.TrimSpace(r.PathValue("tenant")); tenantID != "" {
		return tenantID
	}
	if strings.HasPrefix(r.URL.Path, singleTenantPrefix+"/") {
		return s.singleTenant
	}
	return ""
}

type errorBody struct {
	Error   string             `json:"error"`
	Command string             `json:"command,omitempty"`
	State   types.SessionState `json:"state,omitempty"`
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	body := errorBody{Error: err.Error()}
	var rejected *session.CommandRejectedError
	if errors.As(err, &rejected) {
		body.Command = rejected.Command
		body.State = rejected.State
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", code).Msg("request failed")
	}
	writeJSON(w, code, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrCommandRejected):
		return http.StatusConflict
	case errors.Is(err, session.ErrTenantRequired),
		errors.Is(err, session.ErrInvalidCommand),
		errors.Is(err, status.ErrTenantRequired):
		return http.StatusBadRequest
	case gateway.IsAbsent(err):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInternalFault):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}
