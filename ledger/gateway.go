package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/certanchor/certanchor/certerrors"
	"github.com/certanchor/certanchor/common"
	"github.com/certanchor/certanchor/log"
	"github.com/certanchor/certanchor/metrics"
	"github.com/certanchor/certanchor/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	// 1 original call + 3 retries on transient timeouts
	readAttempts       = 4
	defaultCallTimeout = 15 * time.Second
)

// retryDelay is the fixed backoff between read retries. Bounded by attempt
// count, not wall clock.
var retryDelay = 2 * time.Second

// Ledger is the narrow RPC surface the orchestrator and verification engine
// consume. The concrete Gateway talks to the registry contract; tests swap in
// a double.
type Ledger interface {
	IssueSingle(ctx context.Context, id string, certHash common.Hash, expiration uint64) (common.Hash, error)
	IssueBatchRoot(ctx context.Context, root common.Hash) (txHash common.Hash, batchID uint64, err error)
	RenewSingle(ctx context.Context, id string, expiration uint64) (common.Hash, error)
	RenewBatchRoot(ctx context.Context, batchIndex uint64, expiration uint64) (common.Hash, error)
	UpdateSingleStatus(ctx context.Context, id string, status types.CertificateStatus) (common.Hash, error)
	UpdateBatchStatus(ctx context.Context, batchIndex uint64, status types.CertificateStatus) (common.Hash, error)
	VerifySingle(ctx context.Context, id string) (bool, types.CertificateStatus, error)
	GetCertificateStatus(ctx context.Context, id string) (types.CertificateStatus, error)
	VerifyBatchRoot(ctx context.Context, batchIndex uint64) (bool, uint64, types.CertificateStatus, error)
	VerifyBatchMembership(ctx context.Context, batchIndex uint64, leaf common.Hash, proof []common.Hash) (bool, uint64, types.CertificateStatus, error)
	VerifyBatchAltKey(ctx context.Context, encodedProof common.Hash) (types.CertificateStatus, error)
	HasIssuerRole(ctx context.Context, account common.Address) (bool, error)
	IsPaused(ctx context.Context) (bool, error)
	TxConfirmation(ctx context.Context, txHash common.Hash) (types.TxConfirmation, error)
	SignerAddress() common.Address
}

// Gateway binds the registry contract over an ethclient connection. It holds
// no mutable state beyond the connection and the injected signer; construct
// one per process and pass it where needed.
type Gateway struct {
	client      *ethclient.Client
	contract    *bind.BoundContract
	auth        *bind.TransactOpts
	signer      ethcommon.Address
	callTimeout time.Duration
}

// NewGateway dials the RPC endpoint and prepares a keyed transactor.
func NewGateway(rpcURL string, contractAddr common.Address, privateKeyHex string, chainID int64) (*Gateway, error) {
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(chainID))
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	client, contract, err := dialContract(rpcURL, ethcommon.Address(contractAddr))
	if err != nil {
		return nil, err
	}
	return &Gateway{
		client:      client,
		contract:    contract,
		auth:        auth,
		signer:      crypto.PubkeyToAddress(key.PublicKey),
		callTimeout: defaultCallTimeout,
	}, nil
}

// SignerAddress returns the address the transactor signs with.
func (g *Gateway) SignerAddress() common.Address {
	return common.Address(g.signer)
}

func (g *Gateway) Close() {
	g.client.Close()
}

// callRead executes a view call under the retry policy.
func (g *Gateway) callRead(ctx context.Context, method string, out *[]interface{}, args ...interface{}) error {
	return retryRead(method, func() error {
		cctx, cancel := context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
		return g.contract.Call(&bind.CallOpts{Context: cctx}, out, method, args...)
	})
}

// retryRead runs fn under the read retry policy: transient timeouts are
// retried with a fixed delay up to readAttempts total calls, everything else
// returns immediately.
func retryRead(method string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= readAttempts; attempt++ {
		err = fn()
		if err == nil {
			metrics.LedgerCalls.WithLabelValues(method, "ok").Inc()
			return nil
		}
		err = classify(err)
		if !certerrors.IsTransient(err) {
			break
		}
		if attempt < readAttempts {
			metrics.LedgerRetries.Inc()
			log.Warn(log.LedgerMonitoring, "read call timed out, retrying",
				"method", method, "attempt", attempt)
			time.Sleep(retryDelay)
		}
	}
	metrics.LedgerCalls.WithLabelValues(method, certerrors.GetErrorName(err)).Inc()
	log.Error(log.LedgerMonitoring, "read call failed", "method", method, "err", err)
	return err
}

// transact submits a state-mutating call. No gateway-level retry: the
// orchestrator retries these after an idempotency check.
func (g *Gateway) transact(ctx context.Context, method string, args ...interface{}) (common.Hash, error) {
	cctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	opts := *g.auth
	opts.Context = cctx
	tx, err := g.contract.Transact(&opts, method, args...)
	if err != nil {
		err = classify(err)
		metrics.LedgerCalls.WithLabelValues(method, certerrors.GetErrorName(err)).Inc()
		if reason, ok := certerrors.IsRejection(err); ok {
			log.Warn(log.LedgerMonitoring, "transaction rejected", "method", method, "reason", reason)
		} else {
			log.Error(log.LedgerMonitoring, "transaction failed", "method", method, "err", err)
		}
		return common.Hash{}, err
	}
	metrics.LedgerCalls.WithLabelValues(method, "ok").Inc()
	log.Debug(log.LedgerMonitoring, "transaction submitted", "method", method, "tx", tx.Hash().Hex())
	return common.BytesToHash(tx.Hash().Bytes()), nil
}

func (g *Gateway) IssueSingle(ctx context.Context, id string, certHash common.Hash, expiration uint64) (common.Hash, error) {
	return g.transact(ctx, "issueCertificate", id, toBytes32(certHash), new(big.Int).SetUint64(expiration))
}

// IssueBatchRoot anchors a commitment root. The returned batchID is the
// 1-based position of the root in the contract's root list.
func (g *Gateway) IssueBatchRoot(ctx context.Context, root common.Hash) (common.Hash, uint64, error) {
	count, err := g.BatchCount(ctx)
	if err != nil {
		return common.Hash{}, 0, err
	}
	txHash, err := g.transact(ctx, "issueBatchOfCertificates", toBytes32(root))
	if err != nil {
		return common.Hash{}, 0, err
	}
	return txHash, count + 1, nil
}

func (g *Gateway) RenewSingle(ctx context.Context, id string, expiration uint64) (common.Hash, error) {
	return g.transact(ctx, "renewCertificate", id, new(big.Int).SetUint64(expiration))
}

func (g *Gateway) RenewBatchRoot(ctx context.Context, batchIndex uint64, expiration uint64) (common.Hash, error) {
	return g.transact(ctx, "renewBatchCertificates", new(big.Int).SetUint64(batchIndex), new(big.Int).SetUint64(expiration))
}

func (g *Gateway) UpdateSingleStatus(ctx context.Context, id string, status types.CertificateStatus) (common.Hash, error) {
	return g.transact(ctx, "updateSingleCertificateStatus", id, uint8(status))
}

func (g *Gateway) UpdateBatchStatus(ctx context.Context, batchIndex uint64, status types.CertificateStatus) (common.Hash, error) {
	return g.transact(ctx, "updateBatchCertificateStatus", new(big.Int).SetUint64(batchIndex), uint8(status))
}

func (g *Gateway) VerifySingle(ctx context.Context, id string) (bool, types.CertificateStatus, error) {
	var out []interface{}
	if err := g.callRead(ctx, "verifyCertificateById", &out, id); err != nil {
		return false, types.StatusNonExistent, err
	}
	exists := out[0].(bool)
	status := types.CertificateStatus(out[1].(uint8))
	return exists, status, nil
}

func (g *Gateway) GetCertificateStatus(ctx context.Context, id string) (types.CertificateStatus, error) {
	var out []interface{}
	if err := g.callRead(ctx, "getCertificateStatus", &out, id); err != nil {
		return types.StatusNonExistent, err
	}
	return types.CertificateStatus(out[0].(uint8)), nil
}

func (g *Gateway) VerifyBatchRoot(ctx context.Context, batchIndex uint64) (bool, uint64, types.CertificateStatus, error) {
	var out []interface{}
	if err := g.callRead(ctx, "verifyBatchRoot", &out, new(big.Int).SetUint64(batchIndex)); err != nil {
		return false, 0, types.StatusNonExistent, err
	}
	exists := out[0].(bool)
	expiration := out[1].(*big.Int).Uint64()
	status := types.CertificateStatus(out[2].(uint8))
	return exists, expiration, status, nil
}

func (g *Gateway) VerifyBatchMembership(ctx context.Context, batchIndex uint64, leaf common.Hash, proof []common.Hash) (bool, uint64, types.CertificateStatus, error) {
	var out []interface{}
	err := g.callRead(ctx, "verifyCertificateInBatch", &out,
		new(big.Int).SetUint64(batchIndex), toBytes32(leaf), toBytes32Slice(proof))
	if err != nil {
		return false, 0, types.StatusNonExistent, err
	}
	exists := out[0].(bool)
	expiration := out[1].(*big.Int).Uint64()
	status := types.CertificateStatus(out[2].(uint8))
	return exists, expiration, status, nil
}

func (g *Gateway) VerifyBatchAltKey(ctx context.Context, encodedProof common.Hash) (types.CertificateStatus, error) {
	var out []interface{}
	if err := g.callRead(ctx, "verifyCertificateByEncodedProof", &out, toBytes32(encodedProof)); err != nil {
		return types.StatusNonExistent, err
	}
	return types.CertificateStatus(out[0].(uint8)), nil
}

func (g *Gateway) BatchCount(ctx context.Context) (uint64, error) {
	var out []interface{}
	if err := g.callRead(ctx, "getBatchCount", &out); err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}

func (g *Gateway) HasIssuerRole(ctx context.Context, account common.Address) (bool, error) {
	var out []interface{}
	if err := g.callRead(ctx, "hasRole", &out, toBytes32(common.BytesToHash(IssuerRole.Bytes())), ethcommon.Address(account)); err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

func (g *Gateway) IsPaused(ctx context.Context) (bool, error) {
	var out []interface{}
	if err := g.callRead(ctx, "paused", &out); err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// TxConfirmation looks up the transaction receipt and reports
// pending/confirmed/unknown. Lookup failures degrade to unknown rather than
// failing the surrounding verification.
func (g *Gateway) TxConfirmation(ctx context.Context, txHash common.Hash) (types.TxConfirmation, error) {
	if common.IsNilHash(txHash) {
		return types.TxUnknown, nil
	}
	cctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	receipt, err := g.client.TransactionReceipt(cctx, ethcommon.Hash(txHash))
	if err == nil && receipt != nil {
		return types.TxConfirmed, nil
	}
	if err != nil && err != ethereum.NotFound {
		log.Warn(log.LedgerMonitoring, "receipt lookup failed", "tx", txHash.Hex(), "err", err)
		return types.TxUnknown, nil
	}
	_, isPending, err := g.client.TransactionByHash(cctx, ethcommon.Hash(txHash))
	if err == nil && isPending {
		return types.TxPending, nil
	}
	return types.TxUnknown, nil
}

func toBytes32(h common.Hash) [32]byte {
	var b [32]byte
	copy(b[:], h.Bytes())
	return b
}

func toBytes32Slice(hashes []common.Hash) [][32]byte {
	out := make([][32]byte, len(hashes))
	for i, h := range hashes {
		out[i] = toBytes32(h)
	}
	return out
}
