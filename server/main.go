// The relay server: accepts websocket sessions, fans events out per project
// room, persists session snapshots, and proxies code execution requests.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/bikashd003/devcollab-sync/internal/config"
	"github.com/bikashd003/devcollab-sync/internal/discovery"
	"github.com/bikashd003/devcollab-sync/internal/hub"
	"github.com/bikashd003/devcollab-sync/internal/store"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := config.LoadServer()

	var backend hub.Backend
	var st *store.Store
	if cfg.Standalone {
		logger.Info("running standalone, no persistence or cross-node relay")
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var err error
		st, err = store.New(ctx, cfg.DatabaseURL, cfg.RedisAddr, logger)
		cancel()
		if err != nil {
			logger.Error("connect backend", "error", err)
			os.Exit(1)
		}
		defer st.Close()
		if err := st.Migrate(context.Background()); err != nil {
			logger.Error("migrate", "error", err)
			os.Exit(1)
		}
		backend = st
		logger.Info("connected to postgres and redis")
	}

	h := hub.New(backend, logger)

	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.HandleFunc("/ws", h.ServeWS)
	r.Handle("/api/execute", newExecuteHandler(cfg.ExecutorURL, logger)).Methods(http.MethodPost, http.MethodOptions)
	if st != nil {
		r.Handle("/api/sessions/{id}", sessionHandler(st, logger)).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"rooms":  h.RoomCount(),
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}).Methods(http.MethodGet)

	if cfg.Discovery {
		port := cfg.DiscoveryPort
		if port == 0 {
			port = listenPort(cfg.Addr)
		}
		srv, err := discovery.Register(port, logger)
		if err != nil {
			logger.Warn("mdns registration failed", "error", err)
		} else {
			defer srv.Shutdown()
		}
	}

	logger.Info("relay listening", "addr", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// sessionHandler exposes the persisted snapshot of one session.
func sessionHandler(st *store.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		snap, err := st.LoadSnapshot(r.Context(), id)
		if err != nil {
			logger.Warn("load session", "id", id, "error", err)
			http.Error(w, "failed to load session", http.StatusInternalServerError)
			return
		}
		if snap == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"projectId":  snap.ProjectID,
			"document":   snap.Document,
			"language":   snap.Language,
			"lastOutput": snap.LastOutput,
			"updatedAt":  snap.UpdatedAt,
		})
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 8080
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 8080
	}
	return port
}
