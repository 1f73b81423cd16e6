// internal/auction/request.go
package auction

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimeLayout - ISO-8601 UTC с миллисекундами, как Date.toISOString().
const TimeLayout = "2006-01-02T15:04:05.000Z"

// ErrInvalidBidCarID - bidCarId не является целым числом.
var ErrInvalidBidCarID = errors.New("auction: bidCarId must be an integer")

// ErrInvalidAmount - сумма ставки не конечное число.
var ErrInvalidAmount = errors.New("auction: amount must be a finite number")

// BidRequest - полезная нагрузка события placeBid.
type BidRequest struct {
	PlacedBidID *int64  `json:"placedBidId"`
	UserID      string  `json:"userId"`
	BidCarID    int64   `json:"bidCarId"`
	Amount      float64 `json:"amount"`
	DateTime    string  `json:"dateTime"`
}

// NewBidRequest собирает placeBid на момент at.
func NewBidRequest(userID, bidCarID string, amount float64, at time.Time) (BidRequest, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(bidCarID), 10, 64)
	if err != nil {
		return BidRequest{}, fmt.Errorf("%w: %q", ErrInvalidBidCarID, bidCarID)
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return BidRequest{}, ErrInvalidAmount
	}
	return BidRequest{
		UserID:   userID,
		BidCarID: id,
		Amount:   amount,
		DateTime: at.UTC().Format(TimeLayout),
	}, nil
}

// FeedRequest - полезная нагрузка события liveCars.
type FeedRequest struct {
	RequestID int64  `json:"requestId"`
	Timestamp string `json:"timestamp"`
}

// NewFeedRequest использует время в миллисекундах как requestId.
func NewFeedRequest(at time.Time) FeedRequest {
	return FeedRequest{
		RequestID: at.UnixMilli(),
		Timestamp: at.UTC().Format(TimeLayout),
	}
}
