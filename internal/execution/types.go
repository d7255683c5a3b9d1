package execution

import (
	"time"

	"github.com/google/uuid"
)

type AttemptStatus string

const (
	AttemptStatusSubmitting AttemptStatus = "submitting"
	AttemptStatusSubmitted  AttemptStatus = "submitted"
	AttemptStatusConfirmed  AttemptStatus = "confirmed"
	AttemptStatusFailed     AttemptStatus = "failed"
)

// Outcome is the terminal state of one supervised repay.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeMoot means every attempt failed but the account recovered anyway.
	OutcomeMoot   Outcome = "moot"
	OutcomeFailed Outcome = "failed"
)

// Attempt is one build, submit and confirm cycle of a repay plan.
type Attempt struct {
	AttemptID        string        `json:"attempt_id"`
	Vault            string        `json:"vault"`
	Owner            string        `json:"owner"`
	LoanMarket       uint16        `json:"loan_market"`
	CollateralMarket uint16        `json:"collateral_market"`
	Mode             string        `json:"mode"`
	SwapAmount       uint64        `json:"swap_amount"`
	Number           int           `json:"attempt"`
	Status           AttemptStatus `json:"status"`
	FlashLoan        bool          `json:"flash_loan"`
	BorrowAmount     uint64        `json:"borrow_amount,omitempty"`
	WrapAmount       uint64        `json:"wrap_amount,omitempty"`
	Signature        string        `json:"signature,omitempty"`
	Error            string        `json:"error,omitempty"`
	CreatedAt        string        `json:"created_at"`
	UpdatedAt        string        `json:"updated_at"`
}

func NewAttemptID() string {
	return "att_" + uuid.NewString()
}

func (a *Attempt) Touch() {
	a.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

func (a *Attempt) fail(err error) {
	a.Status = AttemptStatusFailed
	if err != nil {
		a.Error = err.Error()
	}
	a.Touch()
}
