package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clinicq/clinicq/internal/platform/apperr"
	"github.com/clinicq/clinicq/internal/platform/db"
)

const uniqueViolation = "23505"

type walletRepoPG struct{ pool db.Querier }

func NewRepoPG(pool db.Querier) Repository { return &walletRepoPG{pool: pool} }

func (r *walletRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// =========== Wallets ===========

const walletCols = `id, patient_id, balance, total_earned, total_spent, created_at, updated_at`

func (r *walletRepoPG) scanWallet(row pgx.Row) (*Wallet, error) {
	var w Wallet
	err := row.Scan(&w.ID, &w.PatientID, &w.Balance, &w.TotalEarned, &w.TotalSpent, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("wallet")
	}
	if err != nil {
		return nil, fmt.Errorf("scan wallet: %w", err)
	}
	return &w, nil
}

func (r *walletRepoPG) GetOrCreate(ctx context.Context, patientID uuid.UUID) (*Wallet, bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO wallets (id, patient_id) VALUES ($1, $2)
		ON CONFLICT (patient_id) DO NOTHING`, uuid.New(), patientID)
	if err != nil {
		return nil, false, fmt.Errorf("create wallet: %w", err)
	}
	w, err := r.GetByPatient(ctx, patientID)
	if err != nil {
		return nil, false, err
	}
	return w, tag.RowsAffected() == 1, nil
}

func (r *walletRepoPG) GetByPatient(ctx context.Context, patientID uuid.UUID) (*Wallet, error) {
	return r.scanWallet(r.conn(ctx).QueryRow(ctx, `SELECT `+walletCols+` FROM wallets WHERE patient_id = $1`, patientID))
}

func (r *walletRepoPG) GetForUpdate(ctx context.Context, patientID uuid.UUID) (*Wallet, error) {
	return r.scanWallet(r.conn(ctx).QueryRow(ctx, `SELECT `+walletCols+` FROM wallets WHERE patient_id = $1 FOR UPDATE`, patientID))
}

func (r *walletRepoPG) UpdateBalances(ctx context.Context, w *Wallet) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE wallets SET balance = $2, total_earned = $3, total_spent = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		w.ID, w.Balance, w.TotalEarned, w.TotalSpent).Scan(&w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("wallet")
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "wallets_balance_check" {
			return apperr.New(apperr.KindEligibility, apperr.CodeInsufficientBalance, "wallet balance cannot go negative")
		}
		return fmt.Errorf("update wallet: %w", err)
	}
	return nil
}

// =========== Ledger ===========

const txCols = `id, wallet_id, patient_id, amount, transaction_type, previous_balance, new_balance,
	appointment_id, schedule_id, description, actor_id, status, created_at`

func (r *walletRepoPG) scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	var typ string
	err := row.Scan(&t.ID, &t.WalletID, &t.PatientID, &t.Amount, &typ, &t.PreviousBalance, &t.NewBalance,
		&t.AppointmentID, &t.ScheduleID, &t.Description, &t.ActorID, &t.Status, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan wallet transaction: %w", err)
	}
	t.Type = TxType(typ)
	return &t, nil
}

func (r *walletRepoPG) InsertTransaction(ctx context.Context, t *Transaction) error {
	t.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO wallet_transactions (id, wallet_id, patient_id, amount, transaction_type,
			previous_balance, new_balance, appointment_id, schedule_id, description, actor_id, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at`,
		t.ID, t.WalletID, t.PatientID, t.Amount, string(t.Type),
		t.PreviousBalance, t.NewBalance, t.AppointmentID, t.ScheduleID, t.Description, t.ActorID, t.Status,
	).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert wallet transaction: %w", err)
	}
	return nil
}

func (r *walletRepoPG) ListTransactions(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Transaction, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM wallet_transactions WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count wallet transactions: %w", err)
	}
	items, err := r.queryTransactions(ctx, `SELECT `+txCols+` FROM wallet_transactions
		WHERE patient_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	return items, total, err
}

func (r *walletRepoPG) AllTransactions(ctx context.Context, patientID uuid.UUID) ([]*Transaction, error) {
	return r.queryTransactions(ctx, `SELECT `+txCols+` FROM wallet_transactions
		WHERE patient_id = $1 ORDER BY seq ASC`, patientID)
}

func (r *walletRepoPG) queryTransactions(ctx context.Context, sql string, args ...interface{}) ([]*Transaction, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list wallet transactions: %w", err)
	}
	defer rows.Close()

	var items []*Transaction
	for rows.Next() {
		t, err := r.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// =========== Refunds ===========

func (r *walletRepoPG) InsertRefund(ctx context.Context, ref *Refund) error {
	ref.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment_refunds (id, appointment_id, transaction_id, original_amount,
			refund_amount, refund_reason, refund_type, actor_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		ref.ID, ref.AppointmentID, ref.TransactionID, ref.OriginalAmount,
		ref.RefundAmount, ref.Reason, string(ref.Type), ref.ActorID,
	).Scan(&ref.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperr.New(apperr.KindConflict, apperr.CodeAlreadyRefunded,
				"appointment %s has already been refunded", ref.AppointmentID)
		}
		return fmt.Errorf("insert refund: %w", err)
	}
	return nil
}

func (r *walletRepoPG) GetRefund(ctx context.Context, appointmentID uuid.UUID) (*Refund, error) {
	var ref Refund
	var typ string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, appointment_id, transaction_id, original_amount, refund_amount,
			refund_reason, refund_type, actor_id, created_at
		FROM appointment_refunds WHERE appointment_id = $1`, appointmentID,
	).Scan(&ref.ID, &ref.AppointmentID, &ref.TransactionID, &ref.OriginalAmount, &ref.RefundAmount,
		&ref.Reason, &typ, &ref.ActorID, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("refund")
	}
	if err != nil {
		return nil, fmt.Errorf("get refund: %w", err)
	}
	ref.Type = RefundType(typ)
	return &ref, nil
}
