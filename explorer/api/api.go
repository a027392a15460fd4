package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/celerway/mqttexplorer/explorer/coordinator"
	"github.com/celerway/mqttexplorer/log"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

const maxBodySize = 1 << 20

func New(p Params) *Server {
	return &Server{
		coordinator: p.Coordinator,
		port:        p.Port,
		logger:      log.NewWithPrefix("api"),
	}
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/login", s.login).Methods(http.MethodPost)
	router.HandleFunc("/status", s.status).Methods(http.MethodGet)
	router.HandleFunc("/subscription", s.subscription).Methods(http.MethodPut)
	router.HandleFunc("/publish", s.publish).Methods(http.MethodPost)
	router.HandleFunc("/messages", s.messages).Methods(http.MethodGet)
	router.HandleFunc("/messages", s.clearMessages).Methods(http.MethodDelete)
	return router
}

// Run serves the API until the context is cancelled.
func (s *Server) Run(ctx context.Context) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("API listening on %s", srv.Addr)
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("API server: %s", err)
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Errorf("API server shutdown error: %s", err)
	}
	wg.Wait()
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.coordinator.Authenticate(r.Context(), req.Username, req.Password); err != nil {
		s.writeError(w, authStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coordinator.Snapshot())
}

func (s *Server) subscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.coordinator.ChangeSubscription(req.Topic); err != nil {
		s.writeError(w, brokerStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.coordinator.Publish(req.Topic, []byte(req.Payload)); err != nil {
		s.writeError(w, brokerStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) messages(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coordinator.History())
}

func (s *Server) clearMessages(w http.ResponseWriter, _ *http.Request) {
	s.coordinator.ClearHistory()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json data: %w", err))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warnf("Writing response: %s", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	if kind, ok := coordinator.KindOf(err); ok {
		resp.Kind = kind.String()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warnf("Request failed: %s", err)
	}
	s.writeJSON(w, status, resp)
}

func authStatus(err error) int {
	if errors.Is(err, coordinator.ErrAuthenticationInProgress) {
		return http.StatusConflict
	}
	kind, ok := coordinator.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case coordinator.MissingInput:
		return http.StatusBadRequest
	case coordinator.InvalidCredentials:
		return http.StatusUnauthorized
	case coordinator.NewPasswordRequired:
		return http.StatusForbidden
	default:
		return http.StatusBadGateway
	}
}

func brokerStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrEmptyTopic):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrSubscriptionChangeInProgress):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
