package issuance

import (
	"context"
	"fmt"
	"time"

	"github.com/certanchor/certanchor/batchproc"
	"github.com/certanchor/certanchor/certerrors"
	"github.com/certanchor/certanchor/common"
	"github.com/certanchor/certanchor/ledger"
	"github.com/certanchor/certanchor/log"
	"github.com/certanchor/certanchor/merkle"
	"github.com/certanchor/certanchor/metrics"
	"github.com/certanchor/certanchor/store"
	"github.com/certanchor/certanchor/types"
)

const (
	// writeAttempts bounds orchestrator-level retries of state-mutating
	// calls; an idempotency check runs before every retry.
	writeAttempts = 3
)

var writeRetryDelay = 2 * time.Second

// Orchestrator drives single and batch issuance end to end: validation,
// hashing, ledger submission, persistence, response assembly. The ledger is
// the source of truth; the local store is eventually consistent behind it.
type Orchestrator struct {
	ledger    ledger.Ledger
	store     *store.CertificateStore
	processor *batchproc.Processor
	issuerID  string
	now       func() time.Time
}

func NewOrchestrator(lg ledger.Ledger, cs *store.CertificateStore, processor *batchproc.Processor, issuerID string) *Orchestrator {
	return &Orchestrator{
		ledger:    lg,
		store:     cs,
		processor: processor,
		issuerID:  issuerID,
		now:       time.Now,
	}
}

// BatchResponse is the result of one batch issuance.
type BatchResponse struct {
	BatchID uint64                 `json:"batchId"`
	Root    common.Hash            `json:"root"`
	TxHash  common.Hash            `json:"txHash"`
	Items   []batchproc.ItemResult `json:"items"`
}

// IssueSingle anchors one certificate individually.
func (o *Orchestrator) IssueSingle(ctx context.Context, rec types.Record) (*types.SingleCertificate, error) {
	if err := types.ValidateRecord(rec); err != nil {
		return nil, err
	}
	if err := o.checkDates(rec.GrantDate, rec.ExpirationDate); err != nil {
		return nil, err
	}
	exists, err := o.store.Exists(rec.DocumentID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%s: %w", rec.DocumentID, certerrors.ErrVDuplicateNumber)
	}
	if err := o.checkAuthorization(ctx); err != nil {
		return nil, err
	}

	certHash := merkle.LeafHash(rec)
	txHash, err := o.submitWrite(ctx,
		func(c context.Context) (common.Hash, error) {
			return o.ledger.IssueSingle(c, rec.DocumentID, certHash, rec.ExpirationDate)
		},
		func(c context.Context) (bool, error) {
			onChain, _, err := o.ledger.VerifySingle(c, rec.DocumentID)
			return onChain, err
		})
	if err != nil {
		return nil, err
	}

	cert := types.SingleCertificate{
		CertificateNumber: rec.DocumentID,
		IssuerID:          o.issuerID,
		HolderName:        rec.HolderName,
		Title:             rec.Title,
		GrantDate:         rec.GrantDate,
		ExpirationDate:    rec.ExpirationDate,
		CertificateHash:   certHash,
		TransactionHash:   txHash,
		Status:            types.StatusIssued,
		IssueDate:         uint64(o.now().Unix()),
	}
	if err := o.store.InsertSingle(cert); err != nil {
		// the chain write already succeeded; keep the response and leave a
		// reconciliation trail
		log.Error(log.IssuanceMonitoring, "persist after chain write failed",
			"number", cert.CertificateNumber, "tx", txHash.Hex(), "err", err)
	}
	metrics.CertificatesIssued.WithLabelValues("issue").Inc()
	log.Info(log.IssuanceMonitoring, "certificate issued",
		"number", cert.CertificateNumber, "tx", common.Str(txHash))
	return &cert, nil
}

// IssueBatch builds the commitment over records, anchors the root, and hands
// finalization to the batch processor. Record order fixes leaf order.
func (o *Orchestrator) IssueBatch(ctx context.Context, records []types.Record, artifacts map[string]string) (*BatchResponse, error) {
	if len(records) == 0 {
		return nil, certerrors.ErrVEmptyBatch
	}
	seen := make(map[string]bool, len(records))
	leaves := make([]common.Hash, len(records))
	for i, rec := range records {
		if err := types.ValidateRecord(rec); err != nil {
			return nil, err
		}
		if err := o.checkDates(rec.GrantDate, rec.ExpirationDate); err != nil {
			return nil, fmt.Errorf("record %q: %w", rec.DocumentID, err)
		}
		if seen[rec.DocumentID] {
			return nil, fmt.Errorf("record %q duplicated in batch: %w", rec.DocumentID, certerrors.ErrVDuplicateNumber)
		}
		seen[rec.DocumentID] = true
		exists, err := o.store.Exists(rec.DocumentID)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("%s: %w", rec.DocumentID, certerrors.ErrVDuplicateNumber)
		}
		leaves[i] = merkle.LeafHash(rec)
	}
	if err := o.checkAuthorization(ctx); err != nil {
		return nil, err
	}

	commitment, err := merkle.NewCommitment(leaves)
	if err != nil {
		return nil, err
	}

	txHash, batchID, err := o.ledger.IssueBatchRoot(ctx, commitment.Root())
	if err != nil {
		return nil, err
	}
	log.Info(log.IssuanceMonitoring, "batch root anchored",
		"batch", batchID, "root", common.Str(commitment.Root()), "records", len(records))

	items, err := o.processor.Finalize(ctx, batchproc.Submission{
		BatchID:    batchID,
		IssuerID:   o.issuerID,
		TxHash:     txHash,
		Records:    records,
		Commitment: commitment,
		Artifacts:  artifacts,
	})
	if err != nil {
		return nil, err
	}
	metrics.CertificatesIssued.WithLabelValues("issue_batch").Inc()
	return &BatchResponse{
		BatchID: batchID,
		Root:    commitment.Root(),
		TxHash:  txHash,
		Items:   items,
	}, nil
}

// checkDates enforces ordering and the 32-day guard band. The infinite
// sentinel bypasses both.
func (o *Orchestrator) checkDates(grantDate, expirationDate uint64) error {
	if expirationDate == types.InfiniteExpiration {
		return nil
	}
	if grantDate > expirationDate {
		return certerrors.ErrVBadDateOrder
	}
	if expirationDate < uint64(o.now().Add(types.MinExpirationLead).Unix()) {
		return certerrors.ErrVExpirationTooSoon
	}
	return nil
}

// checkAuthorization gates every write on the issuer role and the contract
// pause switch.
func (o *Orchestrator) checkAuthorization(ctx context.Context) error {
	hasRole, err := o.ledger.HasIssuerRole(ctx, o.ledger.SignerAddress())
	if err != nil {
		return err
	}
	if !hasRole {
		return certerrors.ErrAMissingIssuerRole
	}
	paused, err := o.ledger.IsPaused(ctx)
	if err != nil {
		return err
	}
	if paused {
		return certerrors.ErrAContractPaused
	}
	return nil
}

// submitWrite submits a state-mutating ledger call. Transient failures are
// retried a bounded number of times, but only after the idempotency probe
// confirms the previous attempt did not land.
func (o *Orchestrator) submitWrite(ctx context.Context,
	write func(context.Context) (common.Hash, error),
	landed func(context.Context) (bool, error)) (common.Hash, error) {

	var txHash common.Hash
	var err error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		txHash, err = write(ctx)
		if err == nil {
			return txHash, nil
		}
		if !certerrors.IsTransient(err) {
			return common.Hash{}, err
		}
		if landed != nil {
			done, probeErr := landed(ctx)
			if probeErr == nil && done {
				// the earlier attempt made it on-chain; tx hash unknown
				log.Warn(log.IssuanceMonitoring, "write landed despite timeout")
				return common.Hash{}, nil
			}
		}
		if attempt < writeAttempts {
			log.Warn(log.IssuanceMonitoring, "write timed out, retrying", "attempt", attempt)
			time.Sleep(writeRetryDelay)
		}
	}
	return common.Hash{}, err
}
