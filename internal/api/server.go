package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"starpay/internal/models"
)

// Dispatcher is the slice of the dispatch engine the ops surface needs.
type Dispatcher interface {
	Submit(ops []*models.Operation, memo, tag string) error
	QueueSizes() map[int64]int
	PendingDepth() int
}

// SettingsAdmin is the kill-switch control backing the admin route.
type SettingsAdmin interface {
	SendingEnabled(ctx context.Context) (bool, error)
	SetSendingEnabled(ctx context.Context, enabled bool) error
}

type Server struct {
	dispatcher Dispatcher
	settings   SettingsAdmin
	httpServer *http.Server
}

func NewServer(dispatcher Dispatcher, settings SettingsAdmin, port int, jwtSecret string) *Server {
	s := &Server{
		dispatcher: dispatcher,
		settings:   settings,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/v1/status", s.handleStatus).Methods("GET")

	auth := NewAuthMiddleware(jwtSecret)
	protected := r.PathPrefix("/v1").Subrouter()
	protected.Use(auth.Middleware)
	protected.HandleFunc("/payouts", s.handleSubmitPayouts).Methods("POST")
	protected.HandleFunc("/admin/sending", s.handleSetSending).Methods("POST")

	limiter := newIPLimiterFromEnv()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      limiter.middleware(r),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	log.Printf("[api] listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
