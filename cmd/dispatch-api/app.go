package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/fieldcall/callbox/internal/broker/messages"
	"github.com/fieldcall/callbox/internal/models"
	"github.com/fieldcall/callbox/internal/services/dispatches"
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
)

type dispatchAPIOpts struct {
	httpAddr    string
	swaggerPath string

	topic         string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type ticketContextInput struct {
	CustomerName string `json:"customerName"`
	VehicleInfo  string `json:"vehicleInfo"`
	Location     string `json:"location"`
	Issue        string `json:"issue"`
}

type mechanicInput struct {
	Phone            string `json:"phone"`
	DisplayName      string `json:"displayName"`
	FormattedAddress string `json:"formattedAddress"`
	Source           string `json:"source"`
}

type createDispatchRequest struct {
	TicketID  string             `json:"ticketId"`
	Ticket    ticketContextInput `json:"ticket"`
	Mechanics []mechanicInput    `json:"mechanics"`
}

type dispatchView struct {
	TicketID          string     `json:"ticketId"`
	TotalMechanics    int32      `json:"totalMechanics"`
	CalledMechanics   int32      `json:"calledMechanics"`
	BatchIndex        int32      `json:"batchIndex"`
	FoundInterest     bool       `json:"foundInterest"`
	FoundInterestTime *time.Time `json:"foundInterestTime,omitempty"`
	CallFinished      *time.Time `json:"callFinished,omitempty"`
	CleanupReason     *string    `json:"cleanupReason,omitempty"`
	Finished          bool       `json:"finished"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

func toView(t *models.DispatchTracking) dispatchView {
	return dispatchView{
		TicketID:          t.TicketID,
		TotalMechanics:    t.TotalMechanics,
		CalledMechanics:   t.CalledMechanics,
		BatchIndex:        t.BatchIndex,
		FoundInterest:     t.FoundInterest,
		FoundInterestTime: t.FoundInterestTime,
		CallFinished:      t.CallFinished,
		CleanupReason:     t.CleanupReason,
		Finished:          t.Finished(),
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func runDispatchAPI(ctx context.Context, opts dispatchAPIOpts, svc *dispatches.Service, consumer kafkaConsumer) error {
	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Post("/dispatches", func(w http.ResponseWriter, r *http.Request) {
		var req createDispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		in := models.DispatchCreateInput{
			TicketID: req.TicketID,
			Ticket: models.TicketContext{
				TicketID:     req.TicketID,
				CustomerName: req.Ticket.CustomerName,
				VehicleInfo:  req.Ticket.VehicleInfo,
				Location:     req.Ticket.Location,
				Issue:        req.Ticket.Issue,
			},
		}
		for _, m := range req.Mechanics {
			source := m.Source
			if source == "" {
				source = models.MechanicSourceDatabase
			}
			in.Mechanics = append(in.Mechanics, models.Mechanic{
				Phone:            m.Phone,
				DisplayName:      m.DisplayName,
				FormattedAddress: m.FormattedAddress,
				Source:           source,
			})
		}

		tr, err := svc.CreateDispatch(r.Context(), in)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, toView(tr))
	})

	r.Get("/dispatches/{ticketId}", func(w http.ResponseWriter, r *http.Request) {
		tr, err := svc.GetDispatch(r.Context(), chi.URLParam(r, "ticketId"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if tr == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "dispatch not found"})
			return
		}
		writeJSON(w, http.StatusOK, toView(tr))
	})

	r.Get("/dispatches/{ticketId}/queue-depth", func(w http.ResponseWriter, r *http.Request) {
		depth, err := svc.QueueDepth(r.Context(), chi.URLParam(r, "ticketId"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"queueDepth": depth})
	})

	r.Post("/tickets/{ticketId}/interest", func(w http.ResponseWriter, r *http.Request) {
		ok, err := svc.MarkInterest(r.Context(), chi.URLParam(r, "ticketId"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "dispatch not found or already finished"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"marked": true})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.TrackingStats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); err == nil {
			r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
				http.ServeFile(w, r, opts.swaggerPath)
			})
			r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/swagger.json")))
		}
	}

	// Воркер пишет прогресс в Postgres и публикует settled-событие; здесь
	// по нему освежаем кэшированный слепок.
	if consumer != nil {
		go func() {
			slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
			_ = consumer.Consume(ctx, func(_key, value []byte) error {
				var m messages.BatchSettled
				if err := json.Unmarshal(value, &m); err != nil {
					return err
				}
				return svc.ApplyBatchSettled(ctx, m)
			})
		}()
	}

	srv := &http.Server{Handler: r}
	httpErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP API listening", "addr", lis.Addr().String())
		httpErr <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
		return ctx.Err()
	case err := <-httpErr:
		return err
	}
}
