package wallet

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// GetOrCreate inserts an empty wallet for the patient if none exists.
	// created reports whether this call inserted it.
	GetOrCreate(ctx context.Context, patientID uuid.UUID) (w *Wallet, created bool, err error)
	GetByPatient(ctx context.Context, patientID uuid.UUID) (*Wallet, error)
	// GetForUpdate row-locks the wallet for the surrounding transaction.
	GetForUpdate(ctx context.Context, patientID uuid.UUID) (*Wallet, error)
	UpdateBalances(ctx context.Context, w *Wallet) error

	InsertTransaction(ctx context.Context, t *Transaction) error
	// ListTransactions pages a patient's ledger, newest first.
	ListTransactions(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Transaction, int, error)
	// AllTransactions returns the full ledger in the order it was written.
	AllTransactions(ctx context.Context, patientID uuid.UUID) ([]*Transaction, error)

	// InsertRefund fails with ALREADY_REFUNDED when the appointment has one.
	InsertRefund(ctx context.Context, r *Refund) error
	GetRefund(ctx context.Context, appointmentID uuid.UUID) (*Refund, error)
}
