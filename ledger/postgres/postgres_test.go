package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/rail"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dsn := os.Getenv("SETTLE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SETTLE_POSTGRES_DSN not set")
	}
	l, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	require.NoError(t, l.Migrate(context.Background()))
	return l
}

func TestLedger_RecordAndPage(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	tenant := "tenant-" + uuid.NewString()
	t0 := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	// GIVEN: Three transfers on pix inside the window
	for i, id := range []string{"tr-1", "tr-2", "tr-3"} {
		require.NoError(t, l.RecordSettlement(ctx, ledger.Transfer{
			TenantID: tenant, TransferID: id, Rail: rail.Pix, ExternalID: "pix_" + id,
			Amount: decimal.NewFromInt(100), Currency: "USD", Status: rail.StatusPending,
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	// WHEN: Paging two at a time
	q := ledger.Query{TenantID: tenant, Rail: rail.Pix, From: t0, To: t0.Add(time.Hour), Limit: 2}
	first, err := l.ListTransfers(ctx, q)
	require.NoError(t, err)
	q.Cursor = first.NextCursor
	second, err := l.ListTransfers(ctx, q)
	require.NoError(t, err)

	// THEN: Every transfer is seen once, in order
	require.Len(t, first.Transfers, 2)
	require.NotEmpty(t, first.NextCursor)
	require.Len(t, second.Transfers, 1)
	assert.Empty(t, second.NextCursor)
	assert.Equal(t, "tr-3", second.Transfers[0].TransferID)
	assert.True(t, second.Transfers[0].Amount.Equal(decimal.NewFromInt(100)))
}

func TestLedger_UpsertKeepsCreatedAtAndCompletion(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	tenant := "tenant-" + uuid.NewString()
	t0 := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	done := t0.Add(time.Minute)

	tr := ledger.Transfer{
		TenantID: tenant, TransferID: "tr-1", Rail: rail.Pix, ExternalID: "pix_1",
		Amount: decimal.NewFromInt(5), Currency: "USD", Status: rail.StatusCompleted,
		CreatedAt: t0, CompletedAt: &done,
	}
	require.NoError(t, l.RecordSettlement(ctx, tr))

	tr.CreatedAt = t0.Add(time.Hour)
	tr.CompletedAt = nil
	tr.Status = rail.StatusReversed
	require.NoError(t, l.RecordSettlement(ctx, tr))

	got, err := l.GetTransfer(ctx, tenant, "tr-1")
	require.NoError(t, err)
	assert.Equal(t, t0, got.CreatedAt)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, done, *got.CompletedAt)
	assert.Equal(t, rail.StatusReversed, got.Status)

	_, err = l.GetTransfer(ctx, tenant, "nope")
	assert.ErrorIs(t, err, ledger.ErrTransferNotFound)
}

func TestLedger_AdoptsRailSubmissionTime(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	tenant := "tenant-" + uuid.NewString()
	t0 := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	tr := ledger.Transfer{
		TenantID: tenant, TransferID: "tr-1", Rail: rail.Pix,
		Amount: decimal.NewFromInt(5), Currency: "USD", Status: rail.StatusPending, CreatedAt: t0,
	}
	require.NoError(t, l.RecordSettlement(ctx, tr))

	tr.ExternalID = "pix_1"
	tr.CreatedAt = t0.Add(5 * time.Second)
	require.NoError(t, l.RecordSettlement(ctx, tr))
	tr.CreatedAt = t0.Add(time.Hour)
	require.NoError(t, l.RecordSettlement(ctx, tr))

	got, err := l.GetTransfer(ctx, tenant, "tr-1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(5*time.Second), got.CreatedAt)
}

func TestParseCursor(t *testing.T) {
	ts, id, err := parseCursor("2025-03-10T12:00:00Z|tr-1")
	require.NoError(t, err)
	assert.Equal(t, "tr-1", id)
	assert.Equal(t, time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC), ts)

	_, _, err = parseCursor("garbage")
	assert.True(t, rail.IsValidation(err))
	_, _, err = parseCursor("yesterday|tr-1")
	assert.True(t, rail.IsValidation(err))
}
