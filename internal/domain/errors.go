package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload is returned when a creation event carries a blob
	// that cannot be decoded. Callers skip the record and continue.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUnknownGovernorState is returned when the governor reports a native
	// proposal state outside the known enumeration.
	ErrUnknownGovernorState = errors.New("unknown governor state")

	// ErrUnknownSupportCode is returned for a vote support value outside the
	// fixed {0,1,2} table.
	ErrUnknownSupportCode = errors.New("unknown support code")

	// ErrIneligibleProposer is surfaced when the ledger rejects a proposal
	// because the proposer lacks voting weight.
	ErrIneligibleProposer = errors.New("proposer is not eligible")

	// ErrIneligibleVoter is raised before submission when the voter holds no
	// balance, to avoid wasting a doomed write.
	ErrIneligibleVoter = errors.New("voter is not eligible")

	// ErrDuplicateProposal is raised before submission when a structurally
	// identical proposal is already projected.
	ErrDuplicateProposal = errors.New("duplicate proposal")

	// ErrProposalNotFound is returned by lookups against the projected model.
	ErrProposalNotFound = errors.New("proposal not found")

	// ErrNotExecutable is returned when execution is requested for an item
	// that carries no on-ledger effect.
	ErrNotExecutable = errors.New("vote item is not executable")
)

// ProposalParseError wraps a failure while parsing one specific proposal.
// The batch continues; only the affected proposal is dropped.
type ProposalParseError struct {
	ProposalID string
	Err        error
}

func NewProposalParseError(proposalID string, err error) *ProposalParseError {
	return &ProposalParseError{ProposalID: proposalID, Err: err}
}

func (e *ProposalParseError) Error() string {
	if e.ProposalID == "" {
		return fmt.Sprintf("proposal parse error: %v", e.Err)
	}
	return fmt.Sprintf("proposal %s parse error: %v", e.ProposalID, e.Err)
}

func (e *ProposalParseError) Unwrap() error { return e.Err }

// ExecuteFailedError wraps any failure during an execution submission.
type ExecuteFailedError struct {
	ItemID string
	Err    error
}

func NewExecuteFailedError(itemID string, err error) *ExecuteFailedError {
	return &ExecuteFailedError{ItemID: itemID, Err: err}
}

func (e *ExecuteFailedError) Error() string {
	return fmt.Sprintf("execute vote item %s failed: %v", e.ItemID, e.Err)
}

func (e *ExecuteFailedError) Unwrap() error { return e.Err }

// RetryableError marks a transient provider fault. The core never retries it
// itself but callers can distinguish it from policy rejections.
type RetryableError struct {
	Err error
}

func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err}
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err originates from a transient provider
// fault rather than a policy rejection.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsPolicyRejection reports whether err is a local guard rejection that must
// not be retried.
func IsPolicyRejection(err error) bool {
	return errors.Is(err, ErrIneligibleProposer) ||
		errors.Is(err, ErrIneligibleVoter) ||
		errors.Is(err, ErrDuplicateProposal)
}
