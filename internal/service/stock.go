package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/store"
)

func (s *Service) RecordStockMovement(ctx context.Context, req domain.StockMovementRequest, userID string) (resp domain.StockMovementResponse, err error) {
	ctx, span := s.startSpan(ctx, "service.record_stock_movement",
		attribute.String("variant.id", req.VariantID),
		attribute.String("stock.mode", req.Mode),
	)
	defer func() { endSpan(span, err) }()

	adj := toAdjustment(req, userID)
	if err := ledger.ValidateAdjustment(adj); err != nil {
		return domain.StockMovementResponse{}, err
	}

	err = s.store.WithTransaction(ctx, s.txOpts, func(ctx context.Context, repo store.Repository) error {
		variant, movement, err := s.ledger.Record(ctx, repo, adj)
		if err != nil {
			return err
		}
		resp = domain.StockMovementResponse{Variant: variant, Movement: movement}
		return nil
	})
	if err != nil {
		return domain.StockMovementResponse{}, fmt.Errorf("record stock movement: %w", err)
	}
	return resp, nil
}

// BulkRecordStockMovements applies all movements in one unit of work. The
// first failing movement rolls back the whole batch.
func (s *Service) BulkRecordStockMovements(ctx context.Context, reqs []domain.StockMovementRequest, userID string) (resp domain.BulkStockMovementResponse, err error) {
	ctx, span := s.startSpan(ctx, "service.bulk_record_stock_movements", attribute.Int("stock.movement_count", len(reqs)))
	defer func() { endSpan(span, err) }()

	if len(reqs) == 0 {
		return domain.BulkStockMovementResponse{}, fmt.Errorf("at least one movement is required: %w", store.ErrInvalidTransaction)
	}
	adjustments := make([]ledger.Adjustment, 0, len(reqs))
	for i, req := range reqs {
		adj := toAdjustment(req, userID)
		if err := ledger.ValidateAdjustment(adj); err != nil {
			return domain.BulkStockMovementResponse{}, fmt.Errorf("movement %d: %w", i, err)
		}
		adjustments = append(adjustments, adj)
	}

	err = s.store.WithTransaction(ctx, s.txOpts, func(ctx context.Context, repo store.Repository) error {
		out := domain.BulkStockMovementResponse{
			Variants:  make([]domain.Variant, 0, len(adjustments)),
			Movements: make([]domain.StockMovement, 0, len(adjustments)),
		}
		for i, adj := range adjustments {
			variant, movement, err := s.ledger.Record(ctx, repo, adj)
			if err != nil {
				return fmt.Errorf("movement %d: %w", i, err)
			}
			out.Variants = append(out.Variants, variant)
			out.Movements = append(out.Movements, movement)
		}
		resp = out
		return nil
	})
	if err != nil {
		return domain.BulkStockMovementResponse{}, fmt.Errorf("bulk record stock movements: %w", err)
	}
	return resp, nil
}

func toAdjustment(req domain.StockMovementRequest, userID string) ledger.Adjustment {
	return ledger.Adjustment{
		VariantID: req.VariantID,
		Mode:      req.Mode,
		Value:     req.Value,
		Reason:    req.Reason,
		Notes:     req.Notes,
		UserID:    userID,
	}
}
