package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
)

func TestCatalogWritesSurviveConcurrentCommit(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateProduct(ctx, domain.Product{ID: "prod-1", Name: "Kaos"}))
	require.NoError(t, s.CreateVariant(ctx, domain.Variant{ID: "var-1", ProductID: "prod-1", SKU: "K-1", Stock: 5}))

	held := make(chan struct{})
	release := make(chan struct{})
	txDone := make(chan error, 1)
	go func() {
		txDone <- s.WithTransaction(ctx, store.TxOptions{}, func(ctx context.Context, repo store.Repository) error {
			close(held)
			<-release
			return repo.UpdateVariantStock(ctx, "var-1", 4, time.Now().UTC())
		})
	}()
	<-held

	writes := make(chan error, 2)
	go func() {
		writes <- s.CreateUser(ctx, domain.UserAccount{Username: "kasir-2", Password: "hash", Active: true})
	}()
	go func() {
		writes <- s.CreateCustomer(ctx, domain.Customer{ID: "cust-1", Name: "Budi"})
	}()

	// Both writers queue behind the open transaction.
	select {
	case err := <-writes:
		t.Fatalf("catalog write finished while a transaction held the slot: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-txDone)
	require.NoError(t, <-writes)
	require.NoError(t, <-writes)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "kasir-2", users[0].Username)

	_, err = s.FindCustomer(ctx, "cust-1")
	require.NoError(t, err)

	variant, err := s.FindVariant(ctx, "var-1")
	require.NoError(t, err)
	require.Equal(t, 4, variant.Stock)
}

func TestPasswordUpdateIsNotOverwrittenByTransaction(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, domain.UserAccount{Username: "admin", Password: "old", Role: "admin", Active: true}))

	held := make(chan struct{})
	release := make(chan struct{})
	txDone := make(chan error, 1)
	go func() {
		txDone <- s.WithTransaction(ctx, store.TxOptions{}, func(context.Context, store.Repository) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	updated := make(chan error, 1)
	go func() { updated <- s.UpdateUserPassword(ctx, "admin", "new") }()
	close(release)
	require.NoError(t, <-txDone)
	require.NoError(t, <-updated)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "new", users[0].Password)
}

func TestDuplicatesReportErrDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateProduct(ctx, domain.Product{ID: "prod-1", Name: "Kaos"}))
	require.NoError(t, s.CreateVariant(ctx, domain.Variant{ID: "var-1", ProductID: "prod-1", SKU: "K-1"}))
	require.NoError(t, s.CreateUser(ctx, domain.UserAccount{Username: "kasir", Password: "hash"}))

	require.ErrorIs(t, s.CreateProduct(ctx, domain.Product{ID: "prod-1", Name: "Kaos"}), store.ErrDuplicate)
	require.ErrorIs(t, s.CreateVariant(ctx, domain.Variant{ID: "var-2", ProductID: "prod-1", SKU: "K-1"}), store.ErrDuplicate)
	require.ErrorIs(t, s.CreateUser(ctx, domain.UserAccount{Username: " KASIR ", Password: "hash"}), store.ErrDuplicate)

	err := s.CreateVariant(ctx, domain.Variant{ID: "var-3", ProductID: "prod-1", SKU: ""})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
	require.NotErrorIs(t, err, store.ErrDuplicate)
	require.ErrorIs(t, s.CreateVariant(ctx, domain.Variant{ID: "var-4", ProductID: "prod-1", SKU: "K-4", Stock: store.MaxQuantity + 1}), store.ErrInvalidTransaction)
}

func TestTransactionContextCarriesTimeout(t *testing.T) {
	s := New()
	err := s.WithTransaction(context.Background(), store.TxOptions{Timeout: time.Second}, func(ctx context.Context, _ store.Repository) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		require.WithinDuration(t, time.Now().Add(time.Second), deadline, time.Second)
		return nil
	})
	require.NoError(t, err)
}

func TestFailedTransactionLeavesStateUntouched(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateProduct(ctx, domain.Product{ID: "prod-1", Name: "Kaos"}))
	require.NoError(t, s.CreateVariant(ctx, domain.Variant{ID: "var-1", ProductID: "prod-1", SKU: "K-1", Stock: 5}))

	err := s.WithTransaction(ctx, store.TxOptions{}, func(ctx context.Context, repo store.Repository) error {
		if err := repo.UpdateVariantStock(ctx, "var-1", 1, time.Now().UTC()); err != nil {
			return err
		}
		return repo.UpdateVariantStock(ctx, "var-missing", 1, time.Now().UTC())
	})
	require.ErrorIs(t, err, store.ErrNotFound)

	variant, err := s.FindVariant(ctx, "var-1")
	require.NoError(t, err)
	require.Equal(t, 5, variant.Stock)
}
