package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// IssuerRole is the AccessControl role hash the signer must hold to issue.
var IssuerRole = crypto.Keccak256Hash([]byte("ISSUER_ROLE"))

// certRegistryABI is the surface this service consumes from the deployed
// certificate registry. Method names track the contract, not a Go style.
const certRegistryABI = `[
  {"type":"function","name":"issueCertificate","stateMutability":"nonpayable","inputs":[{"name":"certificateId","type":"string"},{"name":"certificateHash","type":"bytes32"},{"name":"expirationEpoch","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"issueBatchOfCertificates","stateMutability":"nonpayable","inputs":[{"name":"root","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"verifyCertificateById","stateMutability":"view","inputs":[{"name":"certificateId","type":"string"}],"outputs":[{"name":"exists","type":"bool"},{"name":"statusCode","type":"uint8"}]},
  {"type":"function","name":"getCertificateStatus","stateMutability":"view","inputs":[{"name":"certificateId","type":"string"}],"outputs":[{"name":"statusCode","type":"uint8"}]},
  {"type":"function","name":"verifyBatchRoot","stateMutability":"view","inputs":[{"name":"batchIndex","type":"uint256"}],"outputs":[{"name":"exists","type":"bool"},{"name":"expirationEpoch","type":"uint256"},{"name":"statusCode","type":"uint8"}]},
  {"type":"function","name":"verifyCertificateInBatch","stateMutability":"view","inputs":[{"name":"batchIndex","type":"uint256"},{"name":"leafHash","type":"bytes32"},{"name":"proof","type":"bytes32[]"}],"outputs":[{"name":"exists","type":"bool"},{"name":"expirationEpoch","type":"uint256"},{"name":"statusCode","type":"uint8"}]},
  {"type":"function","name":"verifyCertificateByEncodedProof","stateMutability":"view","inputs":[{"name":"encodedProof","type":"bytes32"}],"outputs":[{"name":"statusCode","type":"uint8"}]},
  {"type":"function","name":"renewCertificate","stateMutability":"nonpayable","inputs":[{"name":"certificateId","type":"string"},{"name":"expirationEpoch","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"renewBatchCertificates","stateMutability":"nonpayable","inputs":[{"name":"batchIndex","type":"uint256"},{"name":"expirationEpoch","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"updateSingleCertificateStatus","stateMutability":"nonpayable","inputs":[{"name":"certificateId","type":"string"},{"name":"statusCode","type":"uint8"}],"outputs":[]},
  {"type":"function","name":"updateBatchCertificateStatus","stateMutability":"nonpayable","inputs":[{"name":"batchIndex","type":"uint256"},{"name":"statusCode","type":"uint8"}],"outputs":[]},
  {"type":"function","name":"getBatchCount","stateMutability":"view","inputs":[],"outputs":[{"name":"count","type":"uint256"}]},
  {"type":"function","name":"hasRole","stateMutability":"view","inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"paused","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]}
]`

// dialContract connects to the RPC endpoint and binds the registry contract.
func dialContract(rpcURL string, contractAddr ethcommon.Address) (*ethclient.Client, *bind.BoundContract, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	parsed, err := abi.JSON(strings.NewReader(certRegistryABI))
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("parse registry abi: %w", err)
	}
	contract := bind.NewBoundContract(contractAddr, parsed, client, client, client)
	return client, contract, nil
}
