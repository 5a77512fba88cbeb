// Package events carries post-commit notifications from the ledger to the
// customer aggregate updater. Delivery is at most once per consumer: a
// handler failure is logged and the event is dropped.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	CauseSale       = "sale"
	CauseRefund     = "refund"
	CauseItemRefund = "item_refund"
)

var ErrBufferFull = errors.New("event buffer full")

// CustomerActivity says a committed sale or refund touched a customer.
type CustomerActivity struct {
	CustomerID    string    `json:"customer_id"`
	TransactionID string    `json:"transaction_id"`
	Cause         string    `json:"cause"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event CustomerActivity) error
}

type Handler func(ctx context.Context, event CustomerActivity) error

func encode(event CustomerActivity) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode customer activity: %w", err)
	}
	return payload, nil
}

func decode(payload []byte) (CustomerActivity, error) {
	var event CustomerActivity
	if err := json.Unmarshal(payload, &event); err != nil {
		return CustomerActivity{}, fmt.Errorf("decode customer activity: %w", err)
	}
	if event.CustomerID == "" {
		return CustomerActivity{}, errors.New("decode customer activity: missing customer_id")
	}
	return event, nil
}

// Direct calls the handler on the publishing goroutine. Handler errors are
// logged and not returned, so publishing never fails the caller.
type Direct struct {
	handler Handler
	logger  *zap.Logger
}

func NewDirect(handler Handler, logger *zap.Logger) *Direct {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Direct{handler: handler, logger: logger}
}

func (d *Direct) Publish(ctx context.Context, event CustomerActivity) error {
	dispatch(ctx, d.handler, event, d.logger)
	return nil
}

func dispatch(ctx context.Context, handler Handler, event CustomerActivity, logger *zap.Logger) {
	if handler == nil {
		return
	}
	if err := handler(ctx, event); err != nil {
		logger.Warn("customer activity handler failed",
			zap.String("customer_id", event.CustomerID),
			zap.String("transaction_id", event.TransactionID),
			zap.String("cause", event.Cause),
			zap.Error(err),
		)
	}
}
