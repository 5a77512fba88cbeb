// Package command is the request/response boundary of the ledger. Each named
// command decodes a JSON payload, runs one service operation and returns an
// Envelope. Nothing panics or leaks past Dispatch.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"go.uber.org/zap"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/service"
	"kasirledger/backend/internal/store"
)

const (
	CreateSaleTransaction    = "createSaleTransaction"
	RefundTransaction        = "refundTransaction"
	RefundItems              = "refundItems"
	RecordStockMovement      = "recordStockMovement"
	BulkRecordStockMovements = "bulkRecordStockMovements"
	RecomputeCustomerTotal   = "recomputeCustomerTotal"
)

const (
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeRetryable  = "retryable"
	CodeInternal   = "internal"
)

var ErrUnknownCommand = errors.New("unknown command")

// Envelope is the uniform result of every command.
type Envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Ledger is the set of operations the dispatcher drives.
type Ledger interface {
	CreateSaleTransaction(ctx context.Context, items []domain.SaleItemInput, data domain.SaleTransactionInput) (domain.CreateSaleResponse, error)
	RefundTransaction(ctx context.Context, transactionID string, userID string) (domain.SaleTransaction, error)
	RefundItems(ctx context.Context, transactionID string, lines []domain.RefundItemLine, userID string) (domain.SaleTransaction, error)
	RecordStockMovement(ctx context.Context, req domain.StockMovementRequest, userID string) (domain.StockMovementResponse, error)
	BulkRecordStockMovements(ctx context.Context, reqs []domain.StockMovementRequest, userID string) (domain.BulkStockMovementResponse, error)
	RecomputeCustomerTotal(ctx context.Context, customerID string) (domain.Customer, error)
}

type handlerFunc func(ctx context.Context, payload []byte) (any, error)

type Dispatcher struct {
	ledger   Ledger
	logger   *zap.Logger
	handlers map[string]handlerFunc
}

func NewDispatcher(ledger Ledger, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{ledger: ledger, logger: logger}
	d.handlers = map[string]handlerFunc{
		CreateSaleTransaction:    d.createSale,
		RefundTransaction:        d.refundTransaction,
		RefundItems:              d.refundItems,
		RecordStockMovement:      d.recordStockMovement,
		BulkRecordStockMovements: d.bulkRecordStockMovements,
		RecomputeCustomerTotal:   d.recomputeCustomer,
	}
	return d
}

func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) Has(name string) bool {
	_, ok := d.handlers[name]
	return ok
}

// Dispatch runs the named command. A panic inside the command is recovered
// and reported as an internal failure.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, payload []byte) (env Envelope) {
	handler, ok := d.handlers[name]
	if !ok {
		return Fail(fmt.Errorf("%w %q: %w", ErrUnknownCommand, name, store.ErrInvalidTransaction))
	}

	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("command panicked",
				zap.String("command", name),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			env = Envelope{OK: false, Error: "internal error", Code: CodeInternal}
		}
	}()

	data, err := handler(ctx, payload)
	if err != nil {
		env = Fail(err)
		if env.Code == CodeInternal {
			d.logger.Error("command failed", zap.String("command", name), zap.Error(err))
		} else {
			d.logger.Info("command rejected",
				zap.String("command", name),
				zap.String("code", env.Code),
				zap.Error(err),
			)
		}
		return env
	}
	return Envelope{OK: true, Data: data}
}

// Fail builds a failure envelope. Internal errors carry a generic message.
func Fail(err error) Envelope {
	code := Classify(err)
	msg := err.Error()
	if code == CodeInternal {
		msg = "internal error"
	}
	return Envelope{OK: false, Error: msg, Code: code}
}

// Classify maps an error onto an envelope code.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case store.IsRetryable(err):
		return CodeRetryable
	case store.IsValidation(err):
		return CodeValidation
	case store.IsNotFound(err):
		return CodeNotFound
	case store.IsConflict(err):
		return CodeConflict
	default:
		return CodeInternal
	}
}

func (d *Dispatcher) createSale(ctx context.Context, payload []byte) (any, error) {
	var req domain.CreateSaleRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if actor, ok := service.ActorFromContext(ctx); ok {
		req.Transaction.UserID = actor.Username
	}
	return d.ledger.CreateSaleTransaction(ctx, req.Items, req.Transaction)
}

func (d *Dispatcher) refundTransaction(ctx context.Context, payload []byte) (any, error) {
	var req domain.RefundRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	tx, err := d.ledger.RefundTransaction(ctx, req.TransactionID, actorName(ctx))
	if err != nil {
		return nil, err
	}
	return domain.RefundResponse{Transaction: tx}, nil
}

func (d *Dispatcher) refundItems(ctx context.Context, payload []byte) (any, error) {
	var req domain.RefundItemsRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	tx, err := d.ledger.RefundItems(ctx, req.TransactionID, req.Items, actorName(ctx))
	if err != nil {
		return nil, err
	}
	return domain.RefundResponse{Transaction: tx}, nil
}

func (d *Dispatcher) recordStockMovement(ctx context.Context, payload []byte) (any, error) {
	var req domain.StockMovementRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return d.ledger.RecordStockMovement(ctx, req, actorName(ctx))
}

func (d *Dispatcher) bulkRecordStockMovements(ctx context.Context, payload []byte) (any, error) {
	var req domain.BulkStockMovementRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return d.ledger.BulkRecordStockMovements(ctx, req.Movements, actorName(ctx))
}

func (d *Dispatcher) recomputeCustomer(ctx context.Context, payload []byte) (any, error) {
	var req domain.RecomputeCustomerRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	customer, err := d.ledger.RecomputeCustomerTotal(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	return domain.CustomerResponse{Customer: customer}, nil
}

func actorName(ctx context.Context) string {
	actor, _ := service.ActorFromContext(ctx)
	return actor.Username
}

func decode(payload []byte, dst any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return fmt.Errorf("payload is required: %w", store.ErrInvalidTransaction)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, store.ErrInvalidTransaction)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("payload must contain a single JSON object: %w", store.ErrInvalidTransaction)
	}
	return nil
}
