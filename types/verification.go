package types

// VerificationResult is the tri-state outcome of a certificate check.
// Code 0 means the ledger could not confirm the certificate; it is never
// reported as valid.
type VerificationResult uint8

const (
	VerifyUnknown VerificationResult = 0
	VerifyValid   VerificationResult = 1
	VerifyExpired VerificationResult = 2
	VerifyRevoked VerificationResult = 3
)

func (v VerificationResult) String() string {
	switch v {
	case VerifyValid:
		return "valid"
	case VerifyExpired:
		return "expired"
	case VerifyRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// ResultFromStatus maps an on-chain status code to the tri-state result.
func ResultFromStatus(status CertificateStatus) VerificationResult {
	switch status {
	case StatusIssued, StatusRenewed, StatusReactivated:
		return VerifyValid
	case StatusRevoked:
		return VerifyRevoked
	case StatusExpiredOnChain:
		return VerifyExpired
	default:
		return VerifyUnknown
	}
}

// TxConfirmation reports whether the anchoring transaction has been mined.
type TxConfirmation uint8

const (
	TxUnknown   TxConfirmation = 0
	TxPending   TxConfirmation = 1
	TxConfirmed TxConfirmation = 2
)

func (t TxConfirmation) String() string {
	switch t {
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// VerificationOutcome is the full answer returned to a verifier: the
// tri-state result, the transaction confirmation, and where the record
// came from.
type VerificationOutcome struct {
	CertificateNumber string             `json:"certificateNumber"`
	Result            VerificationResult `json:"result"`
	Confirmation      TxConfirmation     `json:"confirmation"`
	Batch             bool               `json:"batch"`
	// NoLocalRecord marks results derived solely from a self-contained link
	// payload; no artifact reference exists locally.
	NoLocalRecord bool   `json:"noLocalRecord,omitempty"`
	Message       string `json:"message,omitempty"`
}
