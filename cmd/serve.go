package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/avaliabr/cotador/internal/model"
	"github.com/avaliabr/cotador/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control-surface HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(ctx, env),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

// newRouter wires the thin control surface: enqueue, inspect, cancel and
// resume. Request processing itself runs in the background off runCtx so an
// HTTP disconnect never aborts a pipeline run.
func newRouter(runCtx context.Context, env *env) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := env.Store.Ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/requests", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Text      string `json:"text"`
			Code      string `json:"code"`
			ProjectID string `json:"project_id"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if body.Text == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
			return
		}

		qr := newRequest(body.Text, body.Code, body.ProjectID)
		if err := env.Store.CreateRequest(req.Context(), qr); err != nil {
			zap.L().Error("enqueue failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue failed"})
			return
		}

		go runDetached(runCtx, env, qr.ID)
		writeJSON(w, http.StatusAccepted, map[string]string{"quote_request_id": qr.ID})
	})

	r.Get("/requests/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		qr, err := env.Store.GetRequest(req.Context(), id)
		if err != nil {
			if store.IsNotFound(err) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "request not found"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
			return
		}
		sources, err := env.Store.ListQuoteSources(req.Context(), id)
		if err == nil {
			qr.Sources = sources
		}
		writeJSON(w, http.StatusOK, qr)
	})

	r.Post("/requests/{id}/cancel", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		qr, err := env.Store.GetRequest(req.Context(), id)
		if err != nil {
			if store.IsNotFound(err) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "request not found"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
			return
		}
		if qr.Status.Terminal() {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "request already terminal"})
			return
		}
		// Honored at the next checkpoint boundary; in-flight calls finish.
		if err := env.Store.UpdateRequestStatus(req.Context(), id, model.StatusCancelled); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cancel failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(model.StatusCancelled)})
	})

	r.Post("/requests/{id}/resume", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		qr, err := env.Store.GetRequest(req.Context(), id)
		if err != nil {
			if store.IsNotFound(err) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "request not found"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
			return
		}
		if qr.Status.Terminal() {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "request already terminal"})
			return
		}
		if err := env.Store.ResetForRetry(req.Context(), id); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reset failed"})
			return
		}

		go runDetached(runCtx, env, id)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "resuming"})
	})

	return r
}

func runDetached(ctx context.Context, env *env, requestID string) {
	if err := env.Runner.Run(ctx, requestID); err != nil {
		zap.L().Error("background run failed",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (defaults to config)")
	rootCmd.AddCommand(serveCmd)
}
