// Package ledgertest provides an in-memory Ledger double for orchestrator
// and verification tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/certanchor/certanchor/certerrors"
	"github.com/certanchor/certanchor/common"
	"github.com/certanchor/certanchor/merkle"
	"github.com/certanchor/certanchor/types"
)

type SingleEntry struct {
	Hash       common.Hash
	Expiration uint64
	Status     types.CertificateStatus
}

type RootEntry struct {
	Root       common.Hash
	Expiration uint64
	Status     types.CertificateStatus
}

// Fake mimics the registry contract in memory. Behavior mirrors the real
// chain: issue rejects duplicates, batch roots start with no expiration,
// membership checks replay the proof against the stored root.
type Fake struct {
	mu sync.Mutex

	Singles  map[string]*SingleEntry
	Roots    []RootEntry
	AltKeys  map[common.Hash]types.CertificateStatus
	Receipts map[common.Hash]types.TxConfirmation

	HasRole bool
	Paused  bool

	// FailWith forces an error for a named method, consumed on every call.
	FailWith map[string]error
	// Calls counts invocations per method.
	Calls map[string]int

	signer    common.Address
	txCounter int
}

func New() *Fake {
	return &Fake{
		Singles:  make(map[string]*SingleEntry),
		AltKeys:  make(map[common.Hash]types.CertificateStatus),
		Receipts: make(map[common.Hash]types.TxConfirmation),
		FailWith: make(map[string]error),
		Calls:    make(map[string]int),
		HasRole:  true,
		signer:   common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
	}
}

func (f *Fake) enter(method string) error {
	f.Calls[method]++
	if err, ok := f.FailWith[method]; ok && err != nil {
		return err
	}
	return nil
}

func (f *Fake) nextTx() common.Hash {
	f.txCounter++
	tx := common.Sha256Hash([]byte(fmt.Sprintf("tx-%d", f.txCounter)))
	f.Receipts[tx] = types.TxConfirmed
	return tx
}

func (f *Fake) SignerAddress() common.Address { return f.signer }

func (f *Fake) IssueSingle(ctx context.Context, id string, certHash common.Hash, expiration uint64) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("IssueSingle"); err != nil {
		return common.Hash{}, err
	}
	if _, ok := f.Singles[id]; ok {
		return common.Hash{}, certerrors.Reject("Certificate already issued")
	}
	f.Singles[id] = &SingleEntry{Hash: certHash, Expiration: expiration, Status: types.StatusIssued}
	return f.nextTx(), nil
}

func (f *Fake) IssueBatchRoot(ctx context.Context, root common.Hash) (common.Hash, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("IssueBatchRoot"); err != nil {
		return common.Hash{}, 0, err
	}
	f.Roots = append(f.Roots, RootEntry{
		Root:       root,
		Expiration: types.InfiniteExpiration,
		Status:     types.StatusIssued,
	})
	return f.nextTx(), uint64(len(f.Roots)), nil
}

func (f *Fake) RenewSingle(ctx context.Context, id string, expiration uint64) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RenewSingle"); err != nil {
		return common.Hash{}, err
	}
	entry, ok := f.Singles[id]
	if !ok {
		return common.Hash{}, certerrors.Reject("Certificate does not exist")
	}
	entry.Expiration = expiration
	entry.Status = types.StatusRenewed
	return f.nextTx(), nil
}

func (f *Fake) RenewBatchRoot(ctx context.Context, batchIndex uint64, expiration uint64) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RenewBatchRoot"); err != nil {
		return common.Hash{}, err
	}
	if batchIndex >= uint64(len(f.Roots)) {
		return common.Hash{}, certerrors.Reject("Invalid batch index")
	}
	f.Roots[batchIndex].Expiration = expiration
	f.Roots[batchIndex].Status = types.StatusRenewed
	return f.nextTx(), nil
}

func (f *Fake) UpdateSingleStatus(ctx context.Context, id string, status types.CertificateStatus) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateSingleStatus"); err != nil {
		return common.Hash{}, err
	}
	entry, ok := f.Singles[id]
	if !ok {
		return common.Hash{}, certerrors.Reject("Certificate does not exist")
	}
	entry.Status = status
	return f.nextTx(), nil
}

func (f *Fake) UpdateBatchStatus(ctx context.Context, batchIndex uint64, status types.CertificateStatus) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateBatchStatus"); err != nil {
		return common.Hash{}, err
	}
	if batchIndex >= uint64(len(f.Roots)) {
		return common.Hash{}, certerrors.Reject("Invalid batch index")
	}
	f.Roots[batchIndex].Status = status
	return f.nextTx(), nil
}

func (f *Fake) VerifySingle(ctx context.Context, id string) (bool, types.CertificateStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("VerifySingle"); err != nil {
		return false, types.StatusNonExistent, err
	}
	entry, ok := f.Singles[id]
	if !ok {
		return false, types.StatusNonExistent, nil
	}
	return true, entry.Status, nil
}

func (f *Fake) GetCertificateStatus(ctx context.Context, id string) (types.CertificateStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetCertificateStatus"); err != nil {
		return types.StatusNonExistent, err
	}
	entry, ok := f.Singles[id]
	if !ok {
		return types.StatusNonExistent, nil
	}
	return entry.Status, nil
}

func (f *Fake) VerifyBatchRoot(ctx context.Context, batchIndex uint64) (bool, uint64, types.CertificateStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("VerifyBatchRoot"); err != nil {
		return false, 0, types.StatusNonExistent, err
	}
	if batchIndex >= uint64(len(f.Roots)) {
		return false, 0, types.StatusNonExistent, nil
	}
	entry := f.Roots[batchIndex]
	return true, entry.Expiration, entry.Status, nil
}

func (f *Fake) VerifyBatchMembership(ctx context.Context, batchIndex uint64, leaf common.Hash, proof []common.Hash) (bool, uint64, types.CertificateStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("VerifyBatchMembership"); err != nil {
		return false, 0, types.StatusNonExistent, err
	}
	if batchIndex >= uint64(len(f.Roots)) {
		return false, 0, types.StatusNonExistent, nil
	}
	entry := f.Roots[batchIndex]
	if !merkle.VerifyProof(leaf, proof, entry.Root) {
		return false, 0, types.StatusNonExistent, nil
	}
	return true, entry.Expiration, entry.Status, nil
}

func (f *Fake) VerifyBatchAltKey(ctx context.Context, encodedProof common.Hash) (types.CertificateStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("VerifyBatchAltKey"); err != nil {
		return types.StatusNonExistent, err
	}
	return f.AltKeys[encodedProof], nil
}

func (f *Fake) HasIssuerRole(ctx context.Context, account common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("HasIssuerRole"); err != nil {
		return false, err
	}
	return f.HasRole, nil
}

func (f *Fake) IsPaused(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("IsPaused"); err != nil {
		return false, err
	}
	return f.Paused, nil
}

func (f *Fake) TxConfirmation(ctx context.Context, txHash common.Hash) (types.TxConfirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("TxConfirmation"); err != nil {
		return types.TxUnknown, err
	}
	return f.Receipts[txHash], nil
}
