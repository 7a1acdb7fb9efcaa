package server

import (
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aditya0562/lsm-kv-store/internal/platform/metrics"
	"github.com/aditya0562/lsm-kv-store/internal/platform/server/handler/dbentry"
	"github.com/aditya0562/lsm-kv-store/internal/platform/server/handler/health"
	"github.com/aditya0562/lsm-kv-store/internal/platform/server/handler/replstatus"
)

type Server struct {
	httpAddr string
	engine   *chi.Mux
}

func NewServer(port int,
	entryHandler *dbentry.DbEntryHandler,
	statusHandler *replstatus.Handler,
	registry *metrics.Registry) Server {
	srv := Server{
		engine:   chi.NewRouter(),
		httpAddr: fmt.Sprintf(":%d", port),
	}
	srv.engine.Use(middleware.Logger)
	srv.registerRoutes(entryHandler, statusHandler, registry)
	return srv
}

func (s *Server) registerRoutes(entryHandler *dbentry.DbEntryHandler,
	statusHandler *replstatus.Handler,
	registry *metrics.Registry) {
	s.engine.Get("/health", health.CheckHandler)
	s.engine.Post("/put", entryHandler.SaveEntry)
	s.engine.Post("/batch-put", entryHandler.BatchSaveEntries)
	s.engine.Get("/get/{key}", entryHandler.GetEntry)
	s.engine.Delete("/delete/{key}", entryHandler.DeleteEntry)
	s.engine.Get("/range", entryHandler.ReadKeyRange)
	s.engine.Get("/replication/status", statusHandler.Status)
	s.engine.Method(http.MethodGet, "/metrics", registry.Handler())
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Run() error {
	log.Println("Server Running on:", s.httpAddr)
	return http.ListenAndServe(s.httpAddr, s.engine)
}
