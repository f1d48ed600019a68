package journal

import (
	"context"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mithrel/updwire/pkg/record"
)

func setupJournal(t *testing.T) (*Journal, context.Context) {
	t.Helper()
	ctx := context.Background()
	j, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, ctx
}

func TestJournalRecordsTransaction(t *testing.T) {
	j, ctx := setupJournal(t)

	recs := []record.Record{
		{Op: record.OpInsert, Relation: 1, Payload: []byte("alpha")},
		{Op: record.OpDeleteValue, Relation: 2, Payload: []byte("beta")},
	}

	require.NoError(t, j.OnStart())
	require.NoError(t, j.OnUpdates(slices.Values(recs)))
	require.NoError(t, j.OnCommit())
	require.NoError(t, j.OnCompleted())

	txs, err := j.Transactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, 2, txs[0].RecordCount)
	assert.Equal(t, record.Digest(recs), txs[0].Digest)
	assert.False(t, txs[0].CommittedAt.IsZero())

	got, err := j.Records(ctx, txs[0].Seq)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range recs {
		assert.Equal(t, recs[i].Op, got[i].Op)
		assert.Equal(t, recs[i].Relation, got[i].Relation)
		assert.Equal(t, string(recs[i].Payload), string(got[i].Payload))
	}

	completed, err := j.Completed(ctx)
	require.NoError(t, err)
	assert.True(t, completed)
}

func TestJournalMultipleTransactions(t *testing.T) {
	j, ctx := setupJournal(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, j.OnStart())
		require.NoError(t, j.OnUpdates(slices.Values([]record.Record{
			{Op: record.OpInsert, Relation: uint32(i), Payload: []byte{byte(i)}},
		})))
		require.NoError(t, j.OnCommit())
	}

	txs, err := j.Transactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	for i := 1; i < len(txs); i++ {
		assert.Greater(t, txs[i].Seq, txs[i-1].Seq)
	}

	completed, err := j.Completed(ctx)
	require.NoError(t, err)
	assert.False(t, completed)
}

func TestJournalUnbalancedMarkers(t *testing.T) {
	j, _ := setupJournal(t)

	t.Run("updates before start", func(t *testing.T) {
		err := j.OnUpdates(slices.Values([]record.Record{{Op: record.OpInsert, Relation: 1}}))
		assert.ErrorIs(t, err, ErrUnbalanced)
	})

	t.Run("commit before start", func(t *testing.T) {
		assert.ErrorIs(t, j.OnCommit(), ErrUnbalanced)
	})

	t.Run("nested start", func(t *testing.T) {
		require.NoError(t, j.OnStart())
		assert.ErrorIs(t, j.OnStart(), ErrUnbalanced)
	})
}

func TestJournalUncommittedRolledBack(t *testing.T) {
	j, ctx := setupJournal(t)

	require.NoError(t, j.OnStart())
	require.NoError(t, j.OnUpdates(slices.Values([]record.Record{
		{Op: record.OpInsert, Relation: 1, Payload: []byte("lost")},
	})))
	// Stream ends without a commit: the open transaction is discarded.
	require.NoError(t, j.OnCompleted())

	txs, err := j.Transactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, txs)

	completed, err := j.Completed(ctx)
	require.NoError(t, err)
	assert.True(t, completed)
}
