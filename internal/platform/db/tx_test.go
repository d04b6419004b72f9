package db

import (
	"context"
	"errors"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestWithinTx_Commits(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE schedules").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	m := NewTxManager(mock)
	err = m.WithinTx(context.Background(), func(ctx context.Context) error {
		if TxFromContext(ctx) == nil {
			t.Fatal("expected transaction in context")
		}
		_, err := Conn(ctx, mock).Exec(ctx, "UPDATE schedules SET is_active = false")
		return err
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = NewTxManager(mock).WithinTx(context.Background(), func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithinTx_JoinsOuterTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	m := NewTxManager(mock)
	err = m.WithinTx(context.Background(), func(outer context.Context) error {
		return m.WithinTx(outer, func(inner context.Context) error {
			if TxFromContext(inner) != TxFromContext(outer) {
				t.Error("expected inner call to reuse the outer transaction")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConn_FallsBackWithoutTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	if Conn(context.Background(), mock) != Querier(mock) {
		t.Error("expected fallback querier")
	}
}
