package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

type stubTx struct {
	pgx.Tx
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *stubTx) Commit(ctx context.Context) error {
	t.committed = true
	return t.commitErr
}

func (t *stubTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}

type stubBeginner struct {
	tx       *stubTx
	beginErr error
	opts     pgx.TxOptions
}

func (b *stubBeginner) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	b.opts = opts
	if b.beginErr != nil {
		return nil, b.beginErr
	}
	return b.tx, nil
}

func TestWithTxCommitsAtRepeatableRead(t *testing.T) {
	beginner := &stubBeginner{tx: &stubTx{}}

	err := WithTx(context.Background(), beginner, func(tx pgx.Tx) error {
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, pgx.RepeatableRead, beginner.opts.IsoLevel)
	require.True(t, beginner.tx.committed)
}

func TestWithTxRollsBackOnCallbackError(t *testing.T) {
	beginner := &stubBeginner{tx: &stubTx{}}
	boom := errors.New("boom")

	err := WithTx(context.Background(), beginner, func(tx pgx.Tx) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, beginner.tx.committed)
	require.True(t, beginner.tx.rolledBack)
}

func TestWithTxWrapsBeginAndCommitErrors(t *testing.T) {
	beginner := &stubBeginner{beginErr: errors.New("down")}
	err := WithTx(context.Background(), beginner, func(tx pgx.Tx) error { return nil })
	require.ErrorContains(t, err, "begin tx")

	beginner = &stubBeginner{tx: &stubTx{commitErr: errors.New("conflict")}}
	err = WithTx(context.Background(), beginner, func(tx pgx.Tx) error { return nil })
	require.ErrorContains(t, err, "commit tx")
	require.True(t, beginner.tx.rolledBack)
}
