package certerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Validation (V) Errors
var (
	ErrVDuplicateNumber   = errors.New("V1|DuplicateNumber: Certificate number already exists in the single or batch table.")
	ErrVBadDateOrder      = errors.New("V2|BadDateOrder: Grant date is later than the expiration date.")
	ErrVExpirationTooSoon = errors.New("V3|ExpirationTooSoon: Expiration date is less than 32 days in the future.")
	ErrVEmptyBatch        = errors.New("V4|EmptyBatch: Batch issuance requires at least one record.")
	ErrVSameStatus        = errors.New("V5|SameStatus: New status equals the current status.")
	ErrVRenewNotLater     = errors.New("V6|RenewNotLater: New expiration is not strictly later than the current expiration.")
	ErrVRenewRevoked      = errors.New("V7|RenewRevoked: Renewal is not possible on a revoked certificate.")
	ErrVRenewExpired      = errors.New("V8|RenewExpired: Renewal is not possible on an already expired certificate.")
	ErrVRevokeTerminal    = errors.New("V9|RevokeTerminal: Revocation is not possible on a revoked or expired certificate.")
	ErrVNotFound          = errors.New("V10|NotFound: No certificate exists under that number.")
	ErrVMemberBatchBound  = errors.New("V11|MemberBatchBound: Member expiration is bound to the batch root; renew the batch instead.")
)

// Authorization (A) Errors
var (
	ErrAMissingIssuerRole = errors.New("A1|MissingIssuerRole: Signer does not hold the issuer role on-chain.")
	ErrAContractPaused    = errors.New("A2|ContractPaused: Contract is paused; no writes are accepted.")
)

// Ledger (L) Errors
var (
	ErrLTransient = errors.New("L1|LedgerTransient: Ledger call timed out; retryable.")
	ErrLTerminal  = errors.New("L2|LedgerTerminal: Nonce expired or replaced; not retryable.")
	ErrLFailure   = errors.New("L3|LedgerFailure: Ledger call failed for an unclassified reason.")
)

// Persistence & Data Integrity (P/D) Errors
var (
	ErrPWriteFailed   = errors.New("P1|WriteFailed: Local store write failed after a successful ledger write.")
	ErrDArtifactDrift = errors.New("D1|ArtifactDrift: Source artifact does not match any record in the batch.")
	ErrDMissingLeaf   = errors.New("D2|MissingLeaf: A leaf hash is missing; the commitment cannot be built.")
)

// Rejection carries the structured revert reason reported by the ledger,
// verbatim. It is terminal for the call that produced it.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("LR|LedgerRejection: %s", r.Reason)
}

// Reject wraps a verbatim ledger rejection reason.
func Reject(reason string) error {
	return &Rejection{Reason: reason}
}

// IsRejection reports whether err carries a structured ledger rejection and
// returns the verbatim reason.
func IsRejection(err error) (string, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// IsTransient reports whether err is a retryable ledger timeout.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLTransient)
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	if len(parts) < 2 {
		return errStr
	}
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}
