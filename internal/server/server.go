// Package server is the HTTP administration surface: block upload and
// management, play/interrupt commands, nickname, and the live link-status
// websocket. It mutates the registry and talks to the engine only through
// the bus.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/harmonia-project/harmonia/internal/bus"
	"github.com/harmonia-project/harmonia/internal/engine"
	"github.com/harmonia-project/harmonia/internal/link"
	"github.com/harmonia-project/harmonia/internal/registry"
)

var log = logging.Logger("server")

// Deps wires the handlers to the rest of the node.
type Deps struct {
	Session  *link.Session
	Engine   *engine.Engine
	Registry *registry.Registry
	Store    *registry.Store
	Bus      *bus.Bus
	Outputs  engine.Outputs

	Nick    func() string
	SetNick func(string) error

	// SaveState persists the registry snapshot after mutations.
	SaveState func() error

	// Abort triggers graceful shutdown of the whole node.
	Abort func()
}

// Handler builds the route table.
func Handler(d Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", d.handleIndex)
	mux.HandleFunc("GET /api/health", d.handleHealth)
	mux.HandleFunc("GET /api/nick", d.handleGetNick)
	mux.HandleFunc("POST /api/nick", d.handleSetNick)
	mux.HandleFunc("GET /api/ports", d.handlePorts)
	mux.HandleFunc("GET /api/link-status-websocket", d.handleLinkStatusWS)

	mux.HandleFunc("GET /blocks", d.handleListBlocks)
	mux.HandleFunc("POST /blocks", d.handleUpload)
	mux.HandleFunc("PUT /blocks/shared_memory", d.handleCreateSharedMemory)
	mux.HandleFunc("GET /blocks/{id}/source", d.handleSource)
	mux.HandleFunc("POST /blocks/play/{id}", d.handlePlay)
	mux.HandleFunc("POST /blocks/{id}", d.handleUpdate)
	mux.HandleFunc("DELETE /blocks/{id}", d.handleDelete)

	mux.HandleFunc("POST /interrupt", d.handleInterrupt)
	mux.HandleFunc("POST /abort", d.handleAbort)

	return mux
}

// Start serves until ctx is cancelled, then shuts down draining in-flight
// requests.
func Start(ctx context.Context, addr string, d Deps) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(d),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	log.Infow("admin surface listening", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
