package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/fieldcall/callbox/internal/services/dispatcher"
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
)

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	dispatcher *dispatcher.Dispatcher
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, step string, err error) {
	writeJSON(w, code, map[string]string{"step": step, "error": err.Error()})
}

// runWorkerHTTPServer поднимает ops-сервер воркера: cron-ручки для внешнего
// шедулера плюс пробы и статистика.
func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	d := opts.dispatcher
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Post("/cron/process-batches", func(w http.ResponseWriter, r *http.Request) {
		res, err := d.RunBatchCycle(r.Context())
		if err == dispatcher.ErrCycleInProgress {
			writeError(w, http.StatusConflict, "runBatchCycle", err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "runBatchCycle", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	r.Post("/cron/cleanup", func(w http.ResponseWriter, r *http.Request) {
		res, err := d.SweepExpired(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "sweepExpired", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	r.Post("/cron/process-ticket/{ticketId}", func(w http.ResponseWriter, r *http.Request) {
		ticketID := chi.URLParam(r, "ticketId")
		res, err := d.ProcessTicket(r.Context(), ticketID)
		if err == dispatcher.ErrTicketNotFound || err == dispatcher.ErrTicketFinished {
			writeError(w, http.StatusBadRequest, "processTicket", err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "processTicket", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	r.Get("/cron/stats", func(w http.ResponseWriter, r *http.Request) {
		store, err := d.StoreStats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "stats", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"store":   store,
			"runtime": d.Stats(),
		})
	})

	r.Get("/cron/health", func(w http.ResponseWriter, r *http.Request) {
		store, err := d.StoreStats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "health", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"store":   store,
			"runtime": d.Stats(),
		})
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		d.Trigger()
		writeJSON(w, http.StatusOK, map[string]bool{"triggered": true})
	})

	// Swagger подключаем только если файл задан (тот же трюк, что в API).
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); err == nil {
			r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Cache-Control", "no-store")
				http.ServeFile(w, r, opts.swaggerPath)
			})
			swaggerURL := "/swagger.json"
			if fi, err := os.Stat(opts.swaggerPath); err == nil {
				swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
			}
			r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
		}
	}

	srv := &http.Server{Handler: r}
	slog.Info("worker HTTP listening", "addr", lis.Addr().String())
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	return srv.Serve(lis)
}
