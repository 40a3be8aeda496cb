// Package api exposes the gateway over REST/JSON plus two websocket feeds.
// All domain logic lives in the services; handlers translate HTTP to service
// calls and map errors to status codes.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridpoint/plantgateway/internal/alarm"
	"github.com/gridpoint/plantgateway/internal/audit"
	"github.com/gridpoint/plantgateway/internal/auth"
	"github.com/gridpoint/plantgateway/internal/command"
	"github.com/gridpoint/plantgateway/internal/config"
	"github.com/gridpoint/plantgateway/internal/device"
	"github.com/gridpoint/plantgateway/internal/hub"
	"github.com/gridpoint/plantgateway/internal/model"
	"github.com/gridpoint/plantgateway/internal/snapshot"
)

// Store is the persistence surface the API layer reads directly.
type Store interface {
	LoadTree(ctx context.Context) ([]*model.PLCTree, error)
	LoadIndex(ctx context.Context) (*model.TreeIndex, error)
	GrantsFor(ctx context.Context, userID *int64, roleIDs []int64) ([]model.Grant, error)
}

// Devices is the health surface of the device service.
type Devices interface {
	HealthSnapshot() map[string]device.Health
}

// Server wires the router and owns the HTTP listener.
type Server struct {
	cfg       config.ServerConfig
	store     Store
	snapshots *snapshot.Store
	devices   Devices
	commands  *command.Service
	alarms    *alarm.Engine
	audit     audit.Sink
	logger    *log.Logger

	wsAlarms   http.Handler
	wsCommands http.Handler

	srv *http.Server
}

// Deps collects the singletons the server serves. Audit may be nil.
type Deps struct {
	Store     Store
	Snapshots *snapshot.Store
	Devices   Devices
	Commands  *command.Service
	Alarms    *alarm.Engine
	Hub       *hub.Hub
	Audit     audit.Sink
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(cfg config.ServerConfig, ws config.WebSocketConfig, d Deps) *Server {
	s := &Server{
		cfg:       cfg,
		store:     d.Store,
		snapshots: d.Snapshots,
		devices:   d.Devices,
		commands:  d.Commands,
		alarms:    d.Alarms,
		audit:     d.Audit,
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
	}

	s.wsAlarms = hub.NewWSHandler(d.Hub, hub.ChannelAlarms, cfg.Env, ws.AllowedOrigins, s.alarmSnapshotFrames)
	s.wsCommands = hub.NewWSHandler(d.Hub, hub.ChannelCommands, cfg.Env, ws.AllowedOrigins, s.commandSnapshotFrames)

	s.srv = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      s.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	// Unauthenticated surface.
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.Handle("/ws/alarms", s.wsAlarms)
	r.Handle("/ws/commands", s.wsCommands)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireIdentity)

	api.HandleFunc("/snapshot", s.handleSnapshot).Methods("GET")
	api.HandleFunc("/health/devices", s.handleDeviceHealth).Methods("GET")

	api.HandleFunc("/commands", s.handleCreateCommand).Methods("POST")
	api.HandleFunc("/commands", s.handleListCommands).Methods("GET")
	api.HandleFunc("/commands/{id}", s.handleGetCommand).Methods("GET")
	api.HandleFunc("/commands/{id}/cancel", s.handleCancelCommand).Methods("POST")
	api.HandleFunc("/commands/{id}/events", s.handleCommandEvents).Methods("GET")

	api.HandleFunc("/alarms", s.handleCreateAlarm).Methods("POST")
	api.HandleFunc("/alarms/active", s.handleActiveAlarms).Methods("GET")
	api.HandleFunc("/alarms/events", s.handleAlarmEvents).Methods("GET")
	api.HandleFunc("/alarms/ack", s.handleAcknowledgeAlarmRef).Methods("POST")
	api.HandleFunc("/alarms/{id:[0-9]+}/ack", s.handleAcknowledgeAlarm).Methods("POST")
	api.HandleFunc("/alarms/rules", s.handleCreateAlarmRule).Methods("POST")
	api.HandleFunc("/datapoints/{id:[0-9]+}/rules", s.handleDatapointRules).Methods("GET")

	return r
}

// Start blocks serving HTTP until Stop or a listener error.
func (s *Server) Start() error {
	s.logger.Printf("listening on %s (env=%s)", s.srv.Addr, s.cfg.Env)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains in-flight requests within the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID, X-Subject, X-Role-IDs, X-Permissions")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ctxKey int

const principalKey ctxKey = 0

// requireIdentity rejects requests without the identity headers set by the
// fronting auth layer.
func (s *Server) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := auth.FromRequest(r)
		if p == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

func principalFrom(r *http.Request) *auth.Principal {
	p, _ := r.Context().Value(principalKey).(*auth.Principal)
	return p
}

// ============================================================================
// SHARED HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func (s *Server) record(r *http.Request, action, resource string, meta map[string]interface{}) {
	if s.audit == nil {
		return
	}
	e := audit.Entry{Action: action, Resource: resource, ClientIP: clientIP(r), Meta: meta}
	if p := principalFrom(r); p != nil {
		e.UserID = p.UserID
		e.Username = p.Subject
	}
	s.audit.Log(e)
}
