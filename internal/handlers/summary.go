package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"rollingstats/internal/engine"
	"rollingstats/internal/models"
	"rollingstats/internal/window"
)

// SnapshotReader is the read side of the symbol table.
type SnapshotReader interface {
	Snapshot(symbol string) ([]window.Summary, error)
	Symbols() []string
	DirtyLen() int
}

// OpenReader returns the opening average for a (symbol, horizon) pair, or -1.
type OpenReader interface {
	OpenPrice(symbol string, horizonSec int64) float64
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// API serves read-only views of the live windows.
type API struct {
	reader SnapshotReader
	opens  OpenReader
	trades http.Handler
	logger *slog.Logger
}

// NewAPI creates the query API. opens may be nil, in which case opening
// averages are reported as -1.
func NewAPI(reader SnapshotReader, opens OpenReader, logger *slog.Logger) *API {
	return &API{
		reader: reader,
		opens:  opens,
		logger: logger.With("component", "http"),
	}
}

// MountTrades serves h at /trades. The route is long-lived and is not
// subject to the request timeout.
func (a *API) MountTrades(h http.Handler) {
	a.trades = h
}

// Routes mounts the API on a chi router with the request middleware applied.
func (a *API) Routes(timeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(a.logger))

	r.Group(func(r chi.Router) {
		r.Use(TimeoutMiddleware(timeout, a.logger))
		r.Get("/health", a.health)
		r.Get("/symbols", a.symbols)
		r.Get("/summary", a.summary)
		r.Get("/summary/{symbol}", a.summary)
	})

	if a.trades != nil {
		r.Get("/trades", a.trades.ServeHTTP)
	}
	return r
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"symbols":       len(a.reader.Symbols()),
		"dirty_symbols": a.reader.DirtyLen(),
	})
}

func (a *API) symbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"symbols": a.reader.Symbols()})
}

func (a *API) summary(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	if symbol == "" {
		symbol = r.URL.Query().Get("symbol")
	}
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing_parameter", "symbol parameter is required")
		return
	}

	sums, err := a.reader.Snapshot(symbol)
	if errors.Is(err, engine.ErrUnknownSymbol) {
		a.logger.Debug("symbol_not_found", "symbol", symbol)
		writeError(w, http.StatusNotFound, "symbol_not_found", "no trades seen for symbol")
		return
	}
	if err != nil {
		a.logger.Error("snapshot_failed", "symbol", symbol, "error", err)
		writeError(w, http.StatusInternalServerError, "snapshot_failed", "failed to read windows")
		return
	}

	now := time.Now()
	records := make([]*models.SummaryRecord, 0, len(sums))
	for _, sum := range sums {
		rec := sum.Record(symbol, now)
		if a.opens != nil {
			rec.AvgPriceOpen = a.opens.OpenPrice(symbol, rec.HorizonSec)
		}
		records = append(records, rec)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":    symbol,
		"summaries": records,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
