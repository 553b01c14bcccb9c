package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/certanchor/certanchor/certerrors"
	"github.com/certanchor/certanchor/ledger"
	"github.com/certanchor/certanchor/link"
	"github.com/certanchor/certanchor/log"
	"github.com/certanchor/certanchor/store"
	"github.com/certanchor/certanchor/types"
)

// Engine resolves an identifier to a certificate record and reconciles the
// local row with on-chain state into a tri-state verification outcome.
type Engine struct {
	ledger ledger.Ledger
	store  *store.CertificateStore
	links  *link.Builder
	now    func() time.Time
}

func NewEngine(lg ledger.Ledger, cs *store.CertificateStore, links *link.Builder) *Engine {
	return &Engine{ledger: lg, store: cs, links: links, now: time.Now}
}

// Verify accepts a certificate number, a short link, or a deep link carrying
// an encrypted payload, and returns the verification outcome.
func (e *Engine) Verify(ctx context.Context, identifier string) (*types.VerificationOutcome, error) {
	number, token := e.links.ParseIdentifier(identifier)

	var payload *link.Payload
	if token != "" {
		p, err := e.links.DecodePayload(token)
		if err != nil {
			return nil, fmt.Errorf("undecodable link payload: %w", err)
		}
		payload = &p
		number = p.CertificateNumber
	}
	if number == "" {
		return nil, certerrors.ErrVNotFound
	}

	if cert, found, err := e.store.GetSingle(number); err != nil {
		return nil, err
	} else if found {
		return e.verifySingle(ctx, cert)
	}

	if cert, found, err := e.store.GetBatchMember(number); err != nil {
		return nil, err
	} else if found {
		return e.verifyBatchMember(ctx, cert)
	}

	if payload != nil {
		return e.verifyFromPayload(ctx, *payload)
	}
	return nil, fmt.Errorf("%s: %w", number, certerrors.ErrVNotFound)
}

func (e *Engine) verifySingle(ctx context.Context, cert types.SingleCertificate) (*types.VerificationOutcome, error) {
	outcome := &types.VerificationOutcome{CertificateNumber: cert.CertificateNumber}

	// pre-confirmed entries skip the chain entirely
	if cert.Status == types.StatusValidatedNoChainCheck {
		outcome.Result = types.VerifyValid
		outcome.Confirmation, _ = e.ledger.TxConfirmation(ctx, cert.TransactionHash)
		outcome.Message = "validated without chain check"
		return outcome, nil
	}

	exists, status, err := e.ledger.VerifySingle(ctx, cert.CertificateNumber)
	if err != nil {
		return nil, err
	}
	if !exists {
		outcome.Result = types.VerifyUnknown
		outcome.Message = "certificate not found on-chain"
	} else {
		outcome.Result = types.ResultFromStatus(status)
	}
	outcome.Confirmation, _ = e.ledger.TxConfirmation(ctx, cert.TransactionHash)
	log.Debug(log.VerifyMonitoring, "single certificate verified",
		"number", cert.CertificateNumber, "result", outcome.Result.String())
	return outcome, nil
}

// verifyBatchMember checks membership through both independent keys: the
// Merkle proof and the encoded-proof equality key. Both must agree; any
// disagreement is reported as unknown, never as valid.
func (e *Engine) verifyBatchMember(ctx context.Context, cert types.BatchCertificate) (*types.VerificationOutcome, error) {
	outcome := &types.VerificationOutcome{CertificateNumber: cert.CertificateNumber, Batch: true}

	if cert.Status == types.StatusValidatedNoChainCheck {
		outcome.Result = types.VerifyValid
		outcome.Confirmation, _ = e.ledger.TxConfirmation(ctx, cert.TransactionHash)
		outcome.Message = "validated without chain check"
		return outcome, nil
	}

	batchIndex := cert.BatchID - 1
	exists, expiration, status, err := e.ledger.VerifyBatchMembership(ctx, batchIndex, cert.CertificateHash, cert.Proof)
	if err != nil {
		return nil, err
	}
	proofResult := types.VerifyUnknown
	if exists {
		proofResult = types.ResultFromStatus(status)
		if proofResult == types.VerifyValid && types.Expired(expiration, e.now()) {
			proofResult = types.VerifyExpired
		}
	}

	altStatus, err := e.ledger.VerifyBatchAltKey(ctx, cert.EncodedProof)
	if err != nil {
		return nil, err
	}
	altResult := types.ResultFromStatus(altStatus)

	if proofResult == altResult {
		outcome.Result = proofResult
	} else {
		outcome.Result = types.VerifyUnknown
		outcome.Message = "membership checks disagree"
		log.Warn(log.VerifyMonitoring, "batch membership checks disagree",
			"number", cert.CertificateNumber, "proof", proofResult.String(), "altKey", altResult.String())
	}
	outcome.Confirmation, _ = e.ledger.TxConfirmation(ctx, cert.TransactionHash)
	return outcome, nil
}

// verifyFromPayload handles out-of-band and legacy links with no local row:
// the payload is self-contained and the result carries an explicit caveat.
func (e *Engine) verifyFromPayload(ctx context.Context, p link.Payload) (*types.VerificationOutcome, error) {
	outcome := &types.VerificationOutcome{
		CertificateNumber: p.CertificateNumber,
		NoLocalRecord:     true,
		Confirmation:      types.TxUnknown,
		Message:           "no local artifact reference; payload-only verification",
	}
	if types.Expired(p.ExpirationDate, e.now()) {
		outcome.Result = types.VerifyExpired
		return outcome, nil
	}
	outcome.Result = types.VerifyValid
	log.Info(log.VerifyMonitoring, "payload-only verification",
		"number", p.CertificateNumber)
	return outcome, nil
}
