package issuance

import (
	"context"
	"fmt"

	"github.com/certanchor/certanchor/certerrors"
	"github.com/certanchor/certanchor/common"
	"github.com/certanchor/certanchor/log"
	"github.com/certanchor/certanchor/metrics"
	"github.com/certanchor/certanchor/types"
)

// checkStatusTransition enforces the two guards of the status state machine:
// an idempotent update is an error, and revocation is not possible on a
// certificate that is already revoked or expired on-chain.
func checkStatusTransition(current, next types.CertificateStatus) error {
	if next == current {
		return certerrors.ErrVSameStatus
	}
	if next == types.StatusRevoked &&
		(current == types.StatusRevoked || current == types.StatusExpiredOnChain) {
		return certerrors.ErrVRevokeTerminal
	}
	return nil
}

// UpdateSingleStatus revokes or reactivates a single certificate.
func (o *Orchestrator) UpdateSingleStatus(ctx context.Context, number string, newStatus types.CertificateStatus) (*types.SingleCertificate, error) {
	if newStatus != types.StatusRevoked && newStatus != types.StatusReactivated {
		return nil, fmt.Errorf("status %s: %w", newStatus, certerrors.ErrVSameStatus)
	}
	cert, found, err := o.store.GetSingle(number)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", number, certerrors.ErrVNotFound)
	}
	if err := checkStatusTransition(cert.Status, newStatus); err != nil {
		return nil, err
	}
	if newStatus == types.StatusRevoked {
		// the chain may have aged the certificate into a terminal state the
		// local row does not reflect yet
		chainStatus, err := o.ledger.GetCertificateStatus(ctx, number)
		if err != nil {
			return nil, err
		}
		if chainStatus == types.StatusRevoked || chainStatus == types.StatusExpiredOnChain {
			return nil, certerrors.ErrVRevokeTerminal
		}
	}
	if err := o.checkAuthorization(ctx); err != nil {
		return nil, err
	}

	txHash, err := o.submitWrite(ctx,
		func(c context.Context) (common.Hash, error) {
			return o.ledger.UpdateSingleStatus(c, number, newStatus)
		},
		func(c context.Context) (bool, error) {
			status, err := o.ledger.GetCertificateStatus(c, number)
			return err == nil && status == newStatus, err
		})
	if err != nil {
		return nil, err
	}

	cert.Status = newStatus
	cert.TransactionHash = txHash
	if err := o.store.UpdateSingle(cert); err != nil {
		log.Error(log.IssuanceMonitoring, "persist after status update failed",
			"number", number, "tx", txHash.Hex(), "err", err)
	}
	metrics.CertificatesIssued.WithLabelValues(newStatus.String()).Inc()
	log.Info(log.IssuanceMonitoring, "certificate status updated",
		"number", number, "status", newStatus.String())
	return &cert, nil
}

// UpdateBatchStatus revokes or reactivates all members of a batch via the
// root.
func (o *Orchestrator) UpdateBatchStatus(ctx context.Context, batchID uint64, newStatus types.CertificateStatus) ([]types.BatchCertificate, error) {
	if newStatus != types.StatusRevoked && newStatus != types.StatusReactivated {
		return nil, fmt.Errorf("status %s: %w", newStatus, certerrors.ErrVSameStatus)
	}
	members, err := o.store.MembersOfBatch(batchID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("batch %d: %w", batchID, certerrors.ErrVNotFound)
	}

	batchIndex := batchID - 1
	exists, _, rootStatus, err := o.ledger.VerifyBatchRoot(ctx, batchIndex)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("batch %d: %w", batchID, certerrors.ErrVNotFound)
	}
	if err := checkStatusTransition(rootStatus, newStatus); err != nil {
		return nil, err
	}
	if err := o.checkAuthorization(ctx); err != nil {
		return nil, err
	}

	txHash, err := o.submitWrite(ctx,
		func(c context.Context) (common.Hash, error) {
			return o.ledger.UpdateBatchStatus(c, batchIndex, newStatus)
		},
		func(c context.Context) (bool, error) {
			_, _, status, err := o.ledger.VerifyBatchRoot(c, batchIndex)
			return err == nil && status == newStatus, err
		})
	if err != nil {
		return nil, err
	}

	for i := range members {
		members[i].Status = newStatus
		members[i].TransactionHash = txHash
		if err := o.store.UpdateBatchMember(members[i]); err != nil {
			log.Error(log.IssuanceMonitoring, "persist after batch status update failed",
				"number", members[i].CertificateNumber, "tx", txHash.Hex(), "err", err)
		}
	}
	metrics.CertificatesIssued.WithLabelValues("batch_"+newStatus.String()).Inc()
	log.Info(log.IssuanceMonitoring, "batch status updated",
		"batch", batchID, "status", newStatus.String(), "members", len(members))
	return members, nil
}
