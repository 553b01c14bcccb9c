package issuance

import (
	"context"
	"fmt"

	"github.com/certanchor/certanchor/certerrors"
	"github.com/certanchor/certanchor/common"
	"github.com/certanchor/certanchor/log"
	"github.com/certanchor/certanchor/merkle"
	"github.com/certanchor/certanchor/metrics"
	"github.com/certanchor/certanchor/types"
)

// checkRenewOrdering rejects renewals that do not strictly extend the
// current expiration. The infinite sentinel counts as later than any finite
// date and cannot itself be extended.
func checkRenewOrdering(current, next uint64) error {
	if current == types.InfiniteExpiration {
		return certerrors.ErrVRenewNotLater
	}
	if next == types.InfiniteExpiration {
		return nil
	}
	if next <= current {
		return certerrors.ErrVRenewNotLater
	}
	return nil
}

// RenewSingle extends a single certificate's expiration. The certificate
// hash is recomputed over the renewed fields; the number never changes.
func (o *Orchestrator) RenewSingle(ctx context.Context, number string, newExpiration uint64) (*types.SingleCertificate, error) {
	cert, found, err := o.store.GetSingle(number)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", number, certerrors.ErrVNotFound)
	}
	if cert.Status == types.StatusRevoked {
		return nil, certerrors.ErrVRenewRevoked
	}
	if types.Expired(cert.ExpirationDate, o.now()) {
		return nil, certerrors.ErrVRenewExpired
	}
	if err := checkRenewOrdering(cert.ExpirationDate, newExpiration); err != nil {
		return nil, err
	}
	if err := o.checkDates(cert.GrantDate, newExpiration); err != nil {
		return nil, err
	}
	if err := o.checkAuthorization(ctx); err != nil {
		return nil, err
	}

	txHash, err := o.submitWrite(ctx,
		func(c context.Context) (common.Hash, error) {
			return o.ledger.RenewSingle(c, number, newExpiration)
		}, nil)
	if err != nil {
		return nil, err
	}

	cert.ExpirationDate = newExpiration
	cert.Status = types.StatusRenewed
	cert.TransactionHash = txHash
	cert.CertificateHash = merkle.LeafHash(types.Record{
		DocumentID:     cert.CertificateNumber,
		HolderName:     cert.HolderName,
		Title:          cert.Title,
		GrantDate:      cert.GrantDate,
		ExpirationDate: newExpiration,
	})
	if err := o.store.UpdateSingle(cert); err != nil {
		log.Error(log.IssuanceMonitoring, "persist after renew failed",
			"number", number, "tx", txHash.Hex(), "err", err)
	}
	metrics.CertificatesIssued.WithLabelValues("renew").Inc()
	log.Info(log.IssuanceMonitoring, "certificate renewed",
		"number", number, "expiration", newExpiration)
	return &cert, nil
}

// RenewBatch extends every member of a batch at once by renewing the root.
// Member leaf hashes are bound to the commitment and stay unchanged.
func (o *Orchestrator) RenewBatch(ctx context.Context, batchID uint64, newExpiration uint64) ([]types.BatchCertificate, error) {
	members, err := o.store.MembersOfBatch(batchID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("batch %d: %w", batchID, certerrors.ErrVNotFound)
	}

	batchIndex := batchID - 1
	exists, rootExpiration, rootStatus, err := o.ledger.VerifyBatchRoot(ctx, batchIndex)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("batch %d: %w", batchID, certerrors.ErrVNotFound)
	}
	if rootStatus == types.StatusRevoked {
		return nil, certerrors.ErrVRenewRevoked
	}
	if types.Expired(rootExpiration, o.now()) {
		return nil, certerrors.ErrVRenewExpired
	}
	if err := checkRenewOrdering(rootExpiration, newExpiration); err != nil {
		return nil, err
	}
	if err := o.checkDates(0, newExpiration); err != nil {
		return nil, err
	}
	if err := o.checkAuthorization(ctx); err != nil {
		return nil, err
	}

	txHash, err := o.submitWrite(ctx,
		func(c context.Context) (common.Hash, error) {
			return o.ledger.RenewBatchRoot(c, batchIndex, newExpiration)
		},
		func(c context.Context) (bool, error) {
			_, exp, _, err := o.ledger.VerifyBatchRoot(c, batchIndex)
			return err == nil && exp == newExpiration, err
		})
	if err != nil {
		return nil, err
	}

	for i := range members {
		members[i].ExpirationDate = newExpiration
		members[i].Status = types.StatusRenewed
		members[i].TransactionHash = txHash
		if err := o.store.UpdateBatchMember(members[i]); err != nil {
			log.Error(log.IssuanceMonitoring, "persist after batch renew failed",
				"number", members[i].CertificateNumber, "tx", txHash.Hex(), "err", err)
		}
	}
	metrics.CertificatesIssued.WithLabelValues("renew_batch").Inc()
	log.Info(log.IssuanceMonitoring, "batch renewed",
		"batch", batchID, "members", len(members), "expiration", newExpiration)
	return members, nil
}

// RenewBatchMember handles renewal of one member in isolation. Members of a
// finite-expiration root are bound to the batch and must be renewed
// root-level. Members of an infinite-expiration root are promoted: re-issued
// on-chain as standalone single certificates, the batch row replaced by a
// single row under the same number.
func (o *Orchestrator) RenewBatchMember(ctx context.Context, number string, newExpiration uint64) (*types.SingleCertificate, error) {
	cert, found, err := o.store.GetBatchMember(number)
	if err != nil {
		return nil, err
	}
	if !found {
		// already promoted members live in the single table
		if _, single, err := o.store.GetSingle(number); err == nil && single {
			return o.RenewSingle(ctx, number, newExpiration)
		}
		return nil, fmt.Errorf("%s: %w", number, certerrors.ErrVNotFound)
	}
	if cert.Status == types.StatusRevoked {
		return nil, certerrors.ErrVRenewRevoked
	}

	_, rootExpiration, _, err := o.ledger.VerifyBatchRoot(ctx, cert.BatchID-1)
	if err != nil {
		return nil, err
	}
	if rootExpiration != types.InfiniteExpiration {
		return nil, fmt.Errorf("%s: %w", number, certerrors.ErrVMemberBatchBound)
	}
	if err := o.checkDates(cert.GrantDate, newExpiration); err != nil {
		return nil, err
	}
	if err := o.checkAuthorization(ctx); err != nil {
		return nil, err
	}

	return o.promote(ctx, cert, newExpiration)
}

// promote migrates a batch member to a standalone single certificate: a
// fresh on-chain issuance under the same number and hash, then an atomic
// row swap locally. The commitment leaf hash is preserved so existing QR
// payloads keep verifying.
func (o *Orchestrator) promote(ctx context.Context, cert types.BatchCertificate, newExpiration uint64) (*types.SingleCertificate, error) {
	txHash, err := o.submitWrite(ctx,
		func(c context.Context) (common.Hash, error) {
			return o.ledger.IssueSingle(c, cert.CertificateNumber, cert.CertificateHash, newExpiration)
		},
		func(c context.Context) (bool, error) {
			onChain, _, err := o.ledger.VerifySingle(c, cert.CertificateNumber)
			return onChain, err
		})
	if err != nil {
		return nil, err
	}

	promoted := types.SingleCertificate{
		CertificateNumber: cert.CertificateNumber,
		IssuerID:          cert.IssuerID,
		GrantDate:         cert.GrantDate,
		ExpirationDate:    newExpiration,
		CertificateHash:   cert.CertificateHash,
		TransactionHash:   txHash,
		Status:            types.StatusRenewed,
		IssueDate:         uint64(o.now().Unix()),
	}
	if err := o.store.Promote(cert, promoted); err != nil {
		log.Error(log.IssuanceMonitoring, "persist after promote failed",
			"number", cert.CertificateNumber, "tx", txHash.Hex(), "err", err)
	}
	metrics.CertificatesIssued.WithLabelValues("promote").Inc()
	log.Info(log.IssuanceMonitoring, "batch member promoted to single certificate",
		"number", cert.CertificateNumber, "batch", cert.BatchID)
	return &promoted, nil
}
