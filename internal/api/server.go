// SPDX-License-Identifier: MIT

// Package api exposes the HTTP surface: availability queries, payment
// return endpoints, the lot picker and the websocket upgrade.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/parkwell/spotd/internal/api/middleware"
	"github.com/parkwell/spotd/internal/availability"
	"github.com/parkwell/spotd/internal/booking"
	"github.com/parkwell/spotd/internal/model"
	"github.com/parkwell/spotd/internal/realtime"
	"github.com/parkwell/spotd/internal/resilience"
	"github.com/parkwell/spotd/internal/store"
)

// Availability answers spot availability queries.
type Availability interface {
	Check(ctx context.Context, req availability.Request) (*availability.Result, error)
}

// Confirmer finalizes checkout returns.
type Confirmer interface {
	Confirm(ctx context.Context, sessionID string) (booking.Confirmation, error)
	ConfirmDirect(ctx context.Context, sessionID string) (booking.Confirmation, error)
	SuccessRedirect(result booking.Confirmation) string
}

// Catalog serves the lot picker.
type Catalog interface {
	ListLotsByCity(ctx context.Context, cityID int64) ([]model.Lot, error)
	Ping(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	availability Availability
	confirmer    Confirmer
	catalog      Catalog
	ws           http.Handler
	breaker      *resilience.Breaker
	logger       zerolog.Logger
}

// New wires the server.
func New(av Availability, confirmer Confirmer, catalog Catalog, ws http.Handler, breaker *resilience.Breaker, logger zerolog.Logger) *Server {
	return &Server{
		availability: av,
		confirmer:    confirmer,
		catalog:      catalog,
		ws:           ws,
		breaker:      breaker,
		logger:       logger,
	}
}

// Router builds the route table on the canonical middleware stack.
func (s *Server) Router() *chi.Mux {
	r := middleware.NewRouter()

	r.Post("/check_spot_availability", s.handleCheckAvailability)
	r.Post("/city_selected", s.handleCitySelected)
	r.Get("/payment_success", s.handlePaymentSuccess)
	r.Get("/payment_success_direct", s.handlePaymentSuccessDirect)
	if s.ws != nil {
		r.Get("/ws", s.ws.ServeHTTP)
	}
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

type availabilityRequest struct {
	ParkingLotID int64  `json:"parkingLotId"`
	BookingDate  string `json:"bookingDate"`
	StartTime    string `json:"startTime"`
	EndTime      string `json:"endTime"`
}

func (s *Server) handleCheckAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	window, err := model.ParseWindow(req.StartTime, req.EndTime)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.availability.Check(r.Context(), availability.Request{
		LotID:  req.ParkingLotID,
		Date:   req.BookingDate,
		Window: window,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "unknown parking lot")
			return
		}
		s.logger.Error().Err(err).Int64("lot_id", req.ParkingLotID).Msg("availability check failed")
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type citySelectedRequest struct {
	CityID int64 `json:"cityId"`
}

type lotView struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Lat           float64 `json:"lat"`
	Lng           float64 `json:"lng"`
	Address       string  `json:"address"`
	ImageFilename string  `json:"imageFilename"`
}

func (s *Server) handleCitySelected(w http.ResponseWriter, r *http.Request) {
	var req citySelectedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	lots, err := s.catalog.ListLotsByCity(r.Context(), req.CityID)
	if err != nil {
		s.logger.Error().Err(err).Int64("city_id", req.CityID).Msg("lot listing failed")
		s.writeError(w, http.StatusInternalServerError, "lot listing unavailable")
		return
	}

	views := make([]lotView, 0, len(lots))
	for _, l := range lots {
		views = append(views, lotView{
			ID: l.ID, Name: l.Name, Lat: l.Lat, Lng: l.Lng,
			Address: l.Address, ImageFilename: l.ImageFilename,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"parkingLots": views})
}

func (s *Server) handlePaymentSuccess(w http.ResponseWriter, r *http.Request) {
	s.confirmPayment(w, r, s.confirmer.Confirm)
}

func (s *Server) handlePaymentSuccessDirect(w http.ResponseWriter, r *http.Request) {
	s.confirmPayment(w, r, s.confirmer.ConfirmDirect)
}

// confirmPayment always ends in a browser redirect: the user behind it
// needs a page, not a JSON error.
func (s *Server) confirmPayment(w http.ResponseWriter, r *http.Request, confirm func(context.Context, string) (booking.Confirmation, error)) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		s.writeError(w, http.StatusBadRequest, "missing session_id")
		return
	}

	result, err := confirm(r.Context(), sessionID)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("payment confirmation failed")
		result = booking.Confirmation{Status: "failed", Reason: "confirmation failed, contact support"}
	}
	http.Redirect(w, r, s.confirmer.SuccessRedirect(result), http.StatusFound)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.catalog.Ping(r.Context()) == nil
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"status":   httpStatusWord(dbOK),
		"database": dbOK,
		"cache":    s.breaker.Healthy(),
	})
}

func httpStatusWord(ok bool) string {
	if ok {
		return "ok"
	}
	return "degraded"
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("response write failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// NewBookHandler adapts book_spot socket requests onto the
// coordinator and routes the outcome back to the requesting client.
func NewBookHandler(hub *realtime.Hub, coord *booking.Coordinator) realtime.BookHandler {
	return func(ctx context.Context, connID string, userID int64, req realtime.BookRequest) {
		window := model.Window{
			Start: model.Minutes(req.StartHour*60 + req.StartMinute),
			End:   model.Minutes(req.EndHour*60 + req.EndMinute),
		}

		out := coord.Book(ctx, booking.Request{
			ConnID: connID,
			UserID: userID,
			SpotID: req.SpotID,
			LotID:  req.ParkingLotID,
			Date:   req.BookingDate,
			Window: window,
		})
		if out.Failed() {
			hub.SendTo(connID, realtime.EventBookingFailed, realtime.Reason{Reason: out.Reason})
			return
		}
		hub.SendTo(connID, realtime.EventPaymentRedirect, realtime.Redirect{URL: out.RedirectURL})
	}
}
