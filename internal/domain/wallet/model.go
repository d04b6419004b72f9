package wallet

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicq/clinicq/internal/platform/apperr"
)

// TxType is the closed set of ledger entry kinds.
type TxType string

const (
	TxPayment       TxType = "payment"
	TxRefundFull    TxType = "refund_full"
	TxRefundPartial TxType = "refund_partial"
	TxAdminCredit   TxType = "admin_credit"
	TxAdminDebit    TxType = "admin_debit"
	TxTopUp         TxType = "top_up"
)

// Credit reports whether the entry adds to the balance.
func (t TxType) Credit() bool {
	switch t {
	case TxRefundFull, TxRefundPartial, TxAdminCredit, TxTopUp:
		return true
	}
	return false
}

func ParseTxType(s string) (TxType, error) {
	switch t := TxType(s); t {
	case TxPayment, TxRefundFull, TxRefundPartial, TxAdminCredit, TxAdminDebit, TxTopUp:
		return t, nil
	}
	return "", apperr.Validation("unknown transaction type %q", s)
}

// TxStatusCompleted is the only status a ledger row is written with.
const TxStatusCompleted = "completed"

// Wallet maps to the wallets table. Balance never goes negative.
type Wallet struct {
	ID          uuid.UUID `db:"id" json:"id"`
	PatientID   uuid.UUID `db:"patient_id" json:"patient_id"`
	Balance     int64     `db:"balance" json:"balance"`
	TotalEarned int64     `db:"total_earned" json:"total_earned"`
	TotalSpent  int64     `db:"total_spent" json:"total_spent"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Transaction maps to wallet_transactions. Rows are append-only.
type Transaction struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	WalletID        uuid.UUID  `db:"wallet_id" json:"wallet_id"`
	PatientID       uuid.UUID  `db:"patient_id" json:"patient_id"`
	Amount          int64      `db:"amount" json:"amount"`
	Type            TxType     `db:"transaction_type" json:"transaction_type"`
	PreviousBalance int64      `db:"previous_balance" json:"previous_balance"`
	NewBalance      int64      `db:"new_balance" json:"new_balance"`
	AppointmentID   *uuid.UUID `db:"appointment_id" json:"appointment_id,omitempty"`
	ScheduleID      *uuid.UUID `db:"schedule_id" json:"schedule_id,omitempty"`
	Description     string     `db:"description" json:"description,omitempty"`
	ActorID         *string    `db:"actor_id" json:"actor_id,omitempty"`
	Status          string     `db:"status" json:"status"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// Signed is the entry's effect on the balance.
func (t *Transaction) Signed() int64 {
	if t.Type.Credit() {
		return t.Amount
	}
	return -t.Amount
}

type RefundType string

const (
	RefundFull    RefundType = "full"
	RefundPartial RefundType = "partial"
)

// Refund maps to appointment_refunds; at most one per appointment.
type Refund struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	AppointmentID  uuid.UUID  `db:"appointment_id" json:"appointment_id"`
	TransactionID  uuid.UUID  `db:"transaction_id" json:"transaction_id"`
	OriginalAmount int64      `db:"original_amount" json:"original_amount"`
	RefundAmount   int64      `db:"refund_amount" json:"refund_amount"`
	Reason         string     `db:"refund_reason" json:"refund_reason"`
	Type           RefundType `db:"refund_type" json:"refund_type"`
	ActorID        *string    `db:"actor_id" json:"actor_id,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// TransactionRequest is the input to ProcessTransaction.
type TransactionRequest struct {
	PatientID     uuid.UUID
	Amount        int64
	Type          TxType
	AppointmentID *uuid.UUID
	ScheduleID    *uuid.UUID
	Description   string
	ActorID       string
}

// RefundOutcome is one successful refund in a batch.
type RefundOutcome struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	TokenNumber   int       `json:"token_number"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Amount        int64     `json:"amount"`
}

// RefundFailure is one appointment a batch could not settle.
type RefundFailure struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	TokenNumber   int       `json:"token_number"`
	Code          string    `json:"code"`
	Message       string    `json:"message"`
}

// CancellationSummary reports exactly which appointments a schedule
// cancellation settled.
type CancellationSummary struct {
	ScheduleID             uuid.UUID       `json:"schedule_id"`
	RefundedCount          int             `json:"refunded_count"`
	TotalRefunded          int64           `json:"total_refunded"`
	Succeeded              []RefundOutcome `json:"succeeded"`
	Failed                 []RefundFailure `json:"failed"`
	CancelledWithoutRefund int             `json:"cancelled_without_refund"`
	Skipped                int             `json:"skipped"`
}

// AuditReport compares a wallet's stored aggregates with a replay of its
// ledger from zero.
type AuditReport struct {
	PatientID       uuid.UUID `json:"patient_id"`
	Transactions    int       `json:"transactions"`
	StoredBalance   int64     `json:"stored_balance"`
	ReplayedBalance int64     `json:"replayed_balance"`
	StoredEarned    int64     `json:"stored_total_earned"`
	ReplayedEarned  int64     `json:"replayed_total_earned"`
	StoredSpent     int64     `json:"stored_total_spent"`
	ReplayedSpent   int64     `json:"replayed_total_spent"`
	Consistent      bool      `json:"consistent"`
	Discrepancies   []string  `json:"discrepancies,omitempty"`
}
