// Package httpapi serves the registry read-only over HTTP: JSON endpoints,
// Prometheus metrics and a websocket stream of updates.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mil-ad/rfkilld/internal/logger"
	"github.com/mil-ad/rfkilld/internal/rfkill"
)

const shutdownTimeout = 5 * time.Second

// Source supplies the state to serve.
type Source interface {
	Latest() rfkill.Update
	Status() rfkill.Status
}

type Server struct {
	src    Source
	log    zerolog.Logger
	hub    *Hub
	router *mux.Router
}

func New(src Source, log zerolog.Logger) *Server {
	s := &Server{
		src: src,
		log: logger.WithComponent(log, "http"),
	}
	s.hub = NewHub(src, s.log)

	r := mux.NewRouter()
	r.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	r.HandleFunc("/devices/{index:[0-9]+}", s.handleDevice).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/ws", s.hub.HandleWebSocket)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Broadcast pushes u to every websocket client.
func (s *Server) Broadcast(u rfkill.Update) { s.hub.Broadcast(u) }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.hub.Close()
	}()

	s.log.Info().Str("addr", addr).Msg("http listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Latest().Snapshot)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.ParseUint(mux.Vars(r)["index"], 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid device index"})
		return
	}
	d, ok := s.src.Latest().Snapshot.Lookup(uint32(idx))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown device"})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type statusBody struct {
	Connection rfkill.Status `json:"connection"`
	Stale      bool          `json:"stale"`
	Devices    int           `json:"devices"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.src.Status()
	writeJSON(w, http.StatusOK, statusBody{
		Connection: st,
		Stale:      st.State != rfkill.StateOpen,
		Devices:    s.src.Latest().Snapshot.Len(),
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
