package types

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/certanchor/certanchor/common"
)

const (
	// InfiniteExpiration is the on-chain sentinel for certificates that never expire.
	InfiniteExpiration uint64 = 0

	// MinExpirationLead is the issue/renew guard band: a finite expiration must be
	// at least this far in the future.
	MinExpirationLead = 32 * 24 * time.Hour
)

// CertificateStatus mirrors the status codes stored on-chain.
type CertificateStatus uint8

const (
	StatusNonExistent           CertificateStatus = 0
	StatusIssued                CertificateStatus = 1
	StatusRenewed               CertificateStatus = 2
	StatusRevoked               CertificateStatus = 3
	StatusReactivated           CertificateStatus = 4
	StatusExpiredOnChain        CertificateStatus = 5
	StatusValidatedNoChainCheck CertificateStatus = 6
)

func (s CertificateStatus) String() string {
	switch s {
	case StatusNonExistent:
		return "nonexistent"
	case StatusIssued:
		return "issued"
	case StatusRenewed:
		return "renewed"
	case StatusRevoked:
		return "revoked"
	case StatusReactivated:
		return "reactivated"
	case StatusExpiredOnChain:
		return "expired"
	case StatusValidatedNoChainCheck:
		return "validated-no-chain-check"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Record is one validated input row of a batch issuance. Immutable once
// admitted to a batch.
type Record struct {
	DocumentID     string            `json:"documentId" validate:"required,printascii"`
	HolderName     string            `json:"holderName" validate:"required"`
	Title          string            `json:"title" validate:"required"`
	GrantDate      uint64            `json:"grantDate" validate:"required"`
	ExpirationDate uint64            `json:"expirationDate"`
	ExtraFields    map[string]string `json:"extraFields,omitempty"`
}

// Canonical returns the deterministic byte serialization the leaf hash is
// computed over. Field order is fixed; extra fields are sorted by key. Any
// change here breaks compatibility with commitments already on-chain.
func (r Record) Canonical() []byte {
	parts := []string{
		r.DocumentID,
		r.HolderName,
		r.Title,
		fmt.Sprintf("%d", r.GrantDate),
		fmt.Sprintf("%d", r.ExpirationDate),
	}
	if len(r.ExtraFields) > 0 {
		keys := make([]string, 0, len(r.ExtraFields))
		for k := range r.ExtraFields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+r.ExtraFields[k])
		}
	}
	return []byte(strings.Join(parts, "|"))
}

// SingleCertificate is a certificate anchored individually on-chain.
type SingleCertificate struct {
	CertificateNumber string            `json:"certificateNumber"`
	IssuerID          string            `json:"issuerId"`
	HolderName        string            `json:"holderName"`
	Title             string            `json:"title"`
	GrantDate         uint64            `json:"grantDate"`
	ExpirationDate    uint64            `json:"expirationDate"`
	CertificateHash   common.Hash       `json:"certificateHash"`
	TransactionHash   common.Hash       `json:"transactionHash"`
	Status            CertificateStatus `json:"status"`
	IssueDate         uint64            `json:"issueDate"`
}

// BatchCertificate is one member of a batch commitment. BatchID binds the row
// to the on-chain Merkle root; Proof and EncodedProof are the two independent
// membership keys the verifier checks.
type BatchCertificate struct {
	CertificateNumber string            `json:"certificateNumber"`
	IssuerID          string            `json:"issuerId"`
	BatchID           uint64            `json:"batchId"`
	Proof             []common.Hash     `json:"proof"`
	EncodedProof      common.Hash       `json:"encodedProof"`
	CertificateHash   common.Hash       `json:"certificateHash"`
	TransactionHash   common.Hash       `json:"transactionHash"`
	Status            CertificateStatus `json:"status"`
	GrantDate         uint64            `json:"grantDate"`
	ExpirationDate    uint64            `json:"expirationDate"`
	IssueDate         uint64            `json:"issueDate"`
}

// Expired reports whether a finite expiration lies in the past.
func Expired(expiration uint64, now time.Time) bool {
	if expiration == InfiniteExpiration {
		return false
	}
	return expiration < uint64(now.Unix())
}
