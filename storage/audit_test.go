package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuditLogRecordsAndFilters(t *testing.T) {
	log, err := OpenAuditLog(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, log.RecordMutation(ctx, Mutation{
		Action: "vote", DisputeID: "3", Caller: "0xAbC", Outcome: OutcomeSettled, TxHash: "0x01", CreatedAt: base,
	}))
	require.NoError(t, log.RecordMutation(ctx, Mutation{
		Action: "vote", DisputeID: "3", Caller: "0xabc", Outcome: OutcomeRejected, Reason: "execution reverted: juror already voted", CreatedAt: base.Add(time.Minute),
	}))
	require.NoError(t, log.RecordMutation(ctx, Mutation{
		Action: "openDispute", DealID: "8", Caller: "0xdef", Outcome: OutcomeSettled, CreatedAt: base.Add(2 * time.Minute),
	}))

	all, err := log.RecentMutations(ctx, MutationFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "openDispute", all[0].Action)
	require.NotEmpty(t, all[0].ID)

	votes, err := log.RecentMutations(ctx, MutationFilter{Caller: "0xABC", DisputeID: "3"})
	require.NoError(t, err)
	require.Len(t, votes, 2)
	require.Equal(t, OutcomeRejected, votes[0].Outcome)
	require.Equal(t, "execution reverted: juror already voted", votes[0].Reason)
	require.Equal(t, "0x01", votes[1].TxHash)

	limited, err := log.RecentMutations(ctx, MutationFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestAuditLogRequiresAction(t *testing.T) {
	log, err := OpenAuditLog(":memory:")
	require.NoError(t, err)
	defer log.Close()
	require.Error(t, log.RecordMutation(context.Background(), Mutation{Caller: "0x1"}))

	_, err = OpenAuditLog("  ")
	require.Error(t, err)
}
