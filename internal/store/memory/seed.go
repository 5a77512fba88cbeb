package memory

import (
	"context"

	"go.uber.org/zap"

	"kasirledger/backend/internal/store/seed"
)

// NewSeeded returns a store holding the demo catalog and login accounts.
func NewSeeded(logger *zap.Logger) *Store {
	s := New()
	ctx := context.Background()
	if err := seed.Catalog(ctx, s); err != nil {
		panic(err)
	}
	if err := seed.Users(ctx, s, logger); err != nil {
		panic(err)
	}
	return s
}
