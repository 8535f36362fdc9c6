package main

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-engine/config"
	"github.com/warp/loan-engine/loans"
	"github.com/warp/loan-engine/store/sqlite"
	"go.uber.org/zap/zaptest"
)

func TestNewPublisher_LogBackendUpdatesStockBook(t *testing.T) {
	// GIVEN: The default log backend over a stock book with 10 chairs
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	stock := store.Stock()
	require.NoError(t, stock.SetOnHand(ctx, "CHAIR", "WH", decimal.RequireFromString("10")))

	pub, closer := newPublisher(config.OutboxConfig{Backend: "log"}, stock, zaptest.NewLogger(t))
	t.Cleanup(func() { closer.Close() })

	sale := loans.SaleIntent{ID: "sale-1", Product: "CHAIR", Quantity: decimal.RequireFromString("2"), Location: "WH"}
	in, err := loans.NewIntent(sale.ID, loans.IntentSale, "loan-1", "det-1", sale, time.Now())
	require.NoError(t, err)

	// WHEN: The sale intent is published twice
	first, err := pub.Publish(ctx, in)
	require.NoError(t, err)
	second, err := pub.Publish(ctx, in)
	require.NoError(t, err)

	// THEN: The book dropped once and both deliveries share the reference
	assert.Equal(t, "SO/00001", first)
	assert.Equal(t, first, second)
	onHand, err := stock.PhysicalOnHand(ctx, "CHAIR", "WH")
	require.NoError(t, err)
	assert.Equal(t, "8", onHand.String())
}
