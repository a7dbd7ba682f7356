// Package app serves the read side of the bridge over HTTP: records, code lookups,
// decoding, search, sync statistics and Prometheus metrics.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tblbridge/api/internal/bridge"
	"tblbridge/api/internal/capacity"
	"tblbridge/api/internal/codec"
	"tblbridge/api/internal/search"
	"tblbridge/api/internal/syncsvc"
)

// Bridge is the read surface of the sync service.
type Bridge interface {
	ByID(id string) (bridge.Record, bool)
	ByCode(code string) (bridge.Record, bool)
	All() []bridge.Record
	Stats() syncsvc.Stats
}

type Searcher interface {
	Search(q search.Query) search.Response
}

// PingFunc checks one dependency for /api/ready.
type PingFunc func(ctx context.Context) error

type HTTPServer struct {
	bridge     Bridge
	search     Searcher
	checks     map[string]PingFunc
	corsOrigin string
	metrics    http.Handler
}

type ServerOption func(*HTTPServer)

func WithSearch(s Searcher) ServerOption {
	return func(h *HTTPServer) { h.search = s }
}

func WithCheck(name string, ping PingFunc) ServerOption {
	return func(h *HTTPServer) { h.checks[name] = ping }
}

func WithCORSOrigin(origin string) ServerOption {
	return func(h *HTTPServer) { h.corsOrigin = origin }
}

func NewHTTPServer(b Bridge, opts ...ServerOption) *HTTPServer {
	s := &HTTPServer{
		bridge:     b,
		checks:     map[string]PingFunc{},
		corsOrigin: "*",
		metrics:    promhttp.Handler(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	path := r.URL.Path
	switch {
	case path == "/metrics":
		s.metrics.ServeHTTP(w, r)
	case path == "/api/health":
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case path == "/api/ready":
		s.handleReady(w, r)
	case path == "/api/stats":
		writeJSON(w, http.StatusOK, s.bridge.Stats())
	case path == "/api/records":
		s.handleRecords(w, r)
	case path == "/api/search":
		s.handleSearch(w, r)
	case path == "/api/codes":
		s.handleCodes(w, r)
	case strings.HasPrefix(path, "/api/records/"):
		s.handleRecord(w, strings.TrimPrefix(path, "/api/records/"))
	case strings.HasPrefix(path, "/api/codes/"):
		s.handleCode(w, strings.TrimPrefix(path, "/api/codes/"))
	case strings.HasPrefix(path, "/api/decode/"):
		s.handleDecode(w, strings.TrimPrefix(path, "/api/decode/"))
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleRecords(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	typeFilter := codec.TypeDigit(query.Get("type"))
	capacityFilter := capacity.Capacity(query.Get("capacity"))
	if typeFilter != "" && !typeFilter.Valid() {
		writeDomainError(w, badRequest("type must be a digit from 1 to 7"))
		return
	}
	if capacityFilter != "" && !capacityFilter.Valid() {
		writeDomainError(w, badRequest("capacity must be a digit from 1 to 4"))
		return
	}

	records := []bridge.Record{}
	for _, record := range s.bridge.All() {
		if typeFilter != "" && record.TypeDigit != typeFilter {
			continue
		}
		if capacityFilter != "" && record.CapacityDigit != capacityFilter {
			continue
		}
		records = append(records, record)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records, "total": len(records)})
}

func (s *HTTPServer) handleRecord(w http.ResponseWriter, rawID string) {
	id, ok := pathParam(rawID)
	if !ok {
		writeDomainError(w, badRequest("record id is required"))
		return
	}
	record, found := s.bridge.ByID(id)
	if !found {
		writeDomainError(w, notFound("record", id))
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *HTTPServer) handleCode(w http.ResponseWriter, rawCode string) {
	code, ok := pathParam(rawCode)
	if !ok {
		writeDomainError(w, badRequest("code is required"))
		return
	}
	record, found := s.bridge.ByCode(code)
	if !found {
		writeDomainError(w, notFound("code", code))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record":    record,
		"info":      codec.Decode(code),
		"component": codec.RequiredComponent(code),
	})
}

// handleCodes lists every registered code in order, optionally narrowed to one capacity.
func (s *HTTPServer) handleCodes(w http.ResponseWriter, r *http.Request) {
	capacityFilter := capacity.Capacity(r.URL.Query().Get("capacity"))
	if capacityFilter != "" && !capacityFilter.Valid() {
		writeDomainError(w, badRequest("capacity must be a digit from 1 to 4"))
		return
	}
	records := s.bridge.All()
	codes := make([]string, 0, len(records))
	for _, record := range records {
		codes = append(codes, record.Code)
	}
	sort.Strings(codes)
	if capacityFilter != "" {
		codes = codec.FilterByCapacity(codes, capacityFilter)
	}
	writeJSON(w, http.StatusOK, map[string]any{"codes": codes, "total": len(codes)})
}

func (s *HTTPServer) handleDecode(w http.ResponseWriter, rawCode string) {
	code, ok := pathParam(rawCode)
	if !ok {
		writeDomainError(w, badRequest("code is required"))
		return
	}
	writeJSON(w, http.StatusOK, codec.Decode(code))
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		writeError(w, http.StatusServiceUnavailable, "SEARCH_DISABLED", "Search is not configured", nil)
		return
	}
	query := r.URL.Query()
	q := search.Query{
		Text:           strings.TrimSpace(query.Get("q")),
		FilterType:     codec.TypeDigit(query.Get("type")),
		FilterCapacity: capacity.Capacity(query.Get("capacity")),
	}
	var err error
	if q.Limit, err = intParam(query, "limit", 20); err != nil || q.Limit < 1 || q.Limit > 100 {
		writeDomainError(w, badRequest("limit must be between 1 and 100"))
		return
	}
	if q.Offset, err = intParam(query, "offset", 0); err != nil || q.Offset < 0 {
		writeDomainError(w, badRequest("offset must not be negative"))
		return
	}
	writeJSON(w, http.StatusOK, s.search.Search(q))
}

func pathParam(raw string) (string, bool) {
	value, err := url.PathUnescape(strings.Trim(raw, "/"))
	if err != nil || value == "" || strings.Contains(value, "/") {
		return "", false
	}
	return value, true
}

func intParam(query url.Values, key string, fallback int) (int, error) {
	raw := query.Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeDomainError(w http.ResponseWriter, err error) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		writeError(w, domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details)
		return
	}
	writeError(w, http.StatusInternalServerError, "INTERNAL", "Internal server error", nil)
}
