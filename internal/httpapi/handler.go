// internal/httpapi/handler.go
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/live-bidding/internal/auction"
	"github.com/YaganovValera/live-bidding/internal/bidding"
	"github.com/YaganovValera/live-bidding/internal/connection"
	"github.com/YaganovValera/live-bidding/internal/correlator"
	"github.com/YaganovValera/live-bidding/internal/livefeed"
	"github.com/YaganovValera/live-bidding/pkg/logger"
	"github.com/YaganovValera/live-bidding/pkg/socketio"
)

// Bidder - операции фасада, доступные через API.
type Bidder interface {
	Connect(ctx context.Context, token string) error
	Disconnect()
	Retry(ctx context.Context) error
	Test(ctx context.Context) error
	GetLiveCars() bool
	Feed() livefeed.Snapshot
	PlaceBid(ctx context.Context, d bidding.BidUserData) (json.RawMessage, error)
	Status() bidding.Status
	Debug() bidding.DebugInfo
}

// Handler агрегирует зависимости HTTP-хендлеров.
type Handler struct {
	client Bidder
	log    *logger.Logger
}

func NewHandler(client Bidder, log *logger.Logger) *Handler {
	return &Handler{client: client, log: log.Named("httpapi")}
}

type feedResponse struct {
	Version   uint64         `json:"version"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
	Items     []auction.Item `json:"items"`
}

type connectRequest struct {
	Token string `json:"token"`
}

func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.client.Status())
}

func (h *Handler) Debug(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.client.Debug())
}

func (h *Handler) LiveCars(w http.ResponseWriter, _ *http.Request) {
	snap := h.client.Feed()
	resp := feedResponse{Version: snap.Version, Items: snap.Items}
	if !snap.UpdatedAt.IsZero() {
		resp.UpdatedAt = &snap.UpdatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) RefreshLiveCars(w http.ResponseWriter, _ *http.Request) {
	if !h.client.GetLiveCars() {
		writeError(w, http.StatusConflict, connection.ErrNotConnected.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"requested": true})
}

func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.client.Connect(r.Context(), req.Token); err != nil {
		h.writeOpError(w, r, "connect", err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.client.Status())
}

func (h *Handler) Disconnect(w http.ResponseWriter, _ *http.Request) {
	h.client.Disconnect()
	writeJSON(w, http.StatusOK, h.client.Status())
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Retry(r.Context()); err != nil {
		h.writeOpError(w, r, "retry", err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.client.Status())
}

// Test - подключиться, если соединения нет, иначе запросить ленту.
func (h *Handler) Test(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Test(r.Context()); err != nil {
		h.writeOpError(w, r, "test", err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.client.Status())
}

func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req bidding.BidUserData
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	resp, err := h.client.PlaceBid(r.Context(), req)
	if err != nil {
		h.writeOpError(w, r, "place bid", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(resp) == 0 {
		resp = json.RawMessage("null")
	}
	_, _ = w.Write(resp)
}

// writeOpError переводит ошибки операций в HTTP-коды.
func (h *Handler) writeOpError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := statusFor(err)
	log := h.log.WithContext(r.Context())
	if code >= http.StatusInternalServerError {
		log.Error(op+" failed", zap.Int("code", code), zap.Error(err))
	} else {
		log.Warn(op+" rejected", zap.Int("code", code), zap.Error(err))
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	var te *socketio.TransportError
	switch {
	case errors.Is(err, connection.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, bidding.ErrInvalidBid), errors.Is(err, connection.ErrMissingToken):
		return http.StatusBadRequest
	case errors.Is(err, correlator.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &te):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeOptional разбирает JSON-тело; пустое тело допустимо.
func decodeOptional(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
