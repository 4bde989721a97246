package remoted

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/layoutsync/layout"
	"github.com/quantdesk/layoutsync/persist"
)

type ServerConfig struct {
	JWTSecret    string
	MaxBodyBytes int64
	Logger       zerolog.Logger
}

// Server is the remote layout store daemon: authoritative persistence
// for layout records plus a change feed for cross-device sync. Writes
// are arbitrated last-writer-wins per identity under a single lock, so
// concurrent PUTs serialize and the loser gets a conflict response
// carrying the winning record.
type Server struct {
	backend   persist.Backend
	cfg       ServerConfig
	validator *persist.RecordValidator
	hub       *eventHub
	logger    zerolog.Logger

	// writeMu serializes read-arbitrate-write cycles across identities.
	writeMu sync.Mutex
}

func NewServer(backend persist.Backend, cfg ServerConfig) (*Server, error) {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	validator, err := persist.NewRecordValidator()
	if err != nil {
		return nil, err
	}
	return &Server{
		backend:   backend,
		cfg:       cfg,
		validator: validator,
		hub:       newEventHub(cfg.Logger),
		logger:    cfg.Logger,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "layouts" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	identityKey, err := url.PathUnescape(parts[2])
	if err != nil || identityKey == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid identity key")
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "get"
	case len(parts) == 3 && r.Method == http.MethodPut:
		requiredScope = ScopeWrite
		route = "put"
	case len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	_, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	switch route {
	case "get":
		s.handleGet(w, r, identityKey)
	case "put":
		s.handlePut(w, r, identityKey)
	case "events":
		s.hub.serveEvents(w, r, identityKey)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, identityKey string) {
	rec, err := s.backend.Read(r.Context(), identityKey)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no layout for identity")
			return
		}
		s.logger.Error().Err(err).Str("identity", identityKey).Msg("backend read failed")
		writeError(w, http.StatusInternalServerError, "internal", "backend read failed")
		return
	}
	rec.IdentityKey = identityKey
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, identityKey string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	if err := s.validator.Validate(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_record", err.Error())
		return
	}
	var incoming layout.Record
	if err := json.Unmarshal(body, &incoming); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed record")
		return
	}
	incoming.IdentityKey = ""

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.backend.Read(r.Context(), identityKey)
	switch {
	case err == nil:
		current.IdentityKey = ""
		if _, incomingWon := layout.Merge(current, incoming); !incomingWon {
			current.IdentityKey = identityKey
			writeJSON(w, http.StatusConflict, map[string]any{
				"code":    "version_conflict",
				"message": "a newer record exists for this identity",
				"current": current,
			})
			return
		}
	case errors.Is(err, persist.ErrNotFound):
		// First record for this identity.
	default:
		s.logger.Error().Err(err).Str("identity", identityKey).Msg("backend read failed")
		writeError(w, http.StatusInternalServerError, "internal", "backend read failed")
		return
	}

	if err := s.backend.Write(r.Context(), identityKey, incoming); err != nil {
		s.logger.Error().Err(err).Str("identity", identityKey).Msg("backend write failed")
		writeError(w, http.StatusInternalServerError, "internal", "backend write failed")
		return
	}
	s.logger.Info().
		Str("identity", identityKey).
		Int64("version", incoming.Version).
		Str("writer", incoming.WriterID).
		Msg("layout stored")

	incoming.IdentityKey = identityKey
	s.hub.broadcast(identityKey, incoming)
	writeJSON(w, http.StatusOK, incoming)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
