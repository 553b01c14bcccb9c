package issuance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/certanchor/certanchor/batchproc"
	"github.com/certanchor/certanchor/certerrors"
	"github.com/certanchor/certanchor/common"
	"github.com/certanchor/certanchor/ledger/ledgertest"
	"github.com/certanchor/certanchor/link"
	"github.com/certanchor/certanchor/merkle"
	"github.com/certanchor/certanchor/store"
	"github.com/certanchor/certanchor/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(1700000000, 0)

func farFuture() uint64 {
	return uint64(testNow.Add(365 * 24 * time.Hour).Unix())
}

type passthroughQR struct{}

func (passthroughQR) Encode(content string, size int) ([]byte, error) {
	return []byte(content), nil
}

type tempStamper struct{ dir string }

func (s tempStamper) Stamp(ctx context.Context, sourcePath, linkText string, qrPNG []byte, pos batchproc.Position) (string, error) {
	out := filepath.Join(s.dir, filepath.Base(sourcePath)+".out.pdf")
	return out, os.WriteFile(out, qrPNG, 0o644)
}

type tempRasterizer struct{ dir string }

func (r tempRasterizer) Rasterize(ctx context.Context, pdfPath string) (string, error) {
	out := filepath.Join(r.dir, filepath.Base(pdfPath)+".png")
	return out, os.WriteFile(out, []byte("img"), 0o644)
}

type localArtifacts struct{}

func (localArtifacts) Upload(ctx context.Context, localPath string) (string, error) {
	return "https://cdn.example.org/" + filepath.Base(localPath), nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *ledgertest.Fake, *store.CertificateStore) {
	t.Helper()
	cs, err := store.NewMemoryCertificateStore()
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })

	fake := ledgertest.New()
	links, err := link.NewBuilder("https://certs.example.org", "secret")
	require.NoError(t, err)
	dir := t.TempDir()
	processor := batchproc.NewProcessor(cs, links, passthroughQR{},
		tempStamper{dir: dir}, tempRasterizer{dir: dir}, localArtifacts{}, batchproc.Options{})

	o := NewOrchestrator(fake, cs, processor, "issuer-1")
	o.now = func() time.Time { return testNow }
	return o, fake, cs
}

func record(number string) types.Record {
	return types.Record{
		DocumentID:     number,
		HolderName:     "Avery Doe",
		Title:          "Industrial Safety",
		GrantDate:      uint64(testNow.Unix()),
		ExpirationDate: farFuture(),
	}
}

func TestIssueSingle(t *testing.T) {
	o, fake, cs := newTestOrchestrator(t)

	cert, err := o.IssueSingle(context.Background(), record("CERT-1"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusIssued, cert.Status)
	assert.False(t, common.IsNilHash(cert.TransactionHash))
	assert.Equal(t, merkle.LeafHash(record("CERT-1")), cert.CertificateHash)

	stored, found, err := cs.GetSingle("CERT-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, cert.CertificateHash, stored.CertificateHash)

	entry := fake.Singles["CERT-1"]
	require.NotNil(t, entry)
	assert.Equal(t, cert.CertificateHash, entry.Hash)
}

func TestIssueSingleDuplicate(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	_, err := o.IssueSingle(context.Background(), record("CERT-1"))
	require.NoError(t, err)

	_, err = o.IssueSingle(context.Background(), record("CERT-1"))
	assert.ErrorIs(t, err, certerrors.ErrVDuplicateNumber)
}

func TestIssueSingleLedgerRejectionVerbatim(t *testing.T) {
	o, fake, _ := newTestOrchestrator(t)
	// on-chain row exists but local store has no record of it
	fake.Singles["CERT-1"] = &ledgertest.SingleEntry{Status: types.StatusIssued}

	_, err := o.IssueSingle(context.Background(), record("CERT-1"))
	reason, ok := certerrors.IsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "Certificate already issued", reason)
}

func TestIssueSingleAuthorization(t *testing.T) {
	o, fake, _ := newTestOrchestrator(t)
	fake.HasRole = false
	_, err := o.IssueSingle(context.Background(), record("CERT-1"))
	assert.ErrorIs(t, err, certerrors.ErrAMissingIssuerRole)

	fake.HasRole = true
	fake.Paused = true
	_, err = o.IssueSingle(context.Background(), record("CERT-1"))
	assert.ErrorIs(t, err, certerrors.ErrAContractPaused)
}

func TestIssueSingleDateGuards(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	rec := record("CERT-1")
	rec.GrantDate = rec.ExpirationDate + 1
	_, err := o.IssueSingle(context.Background(), rec)
	assert.ErrorIs(t, err, certerrors.ErrVBadDateOrder)

	rec = record("CERT-1")
	rec.ExpirationDate = uint64(testNow.Add(10 * 24 * time.Hour).Unix())
	_, err = o.IssueSingle(context.Background(), rec)
	assert.ErrorIs(t, err, certerrors.ErrVExpirationTooSoon)

	// the infinite sentinel bypasses both checks
	rec = record("CERT-1")
	rec.ExpirationDate = types.InfiniteExpiration
	_, err = o.IssueSingle(context.Background(), rec)
	assert.NoError(t, err)
}

func TestIssueBatch(t *testing.T) {
	o, fake, cs := newTestOrchestrator(t)

	records := []types.Record{record("DOC-A"), record("DOC-B"), record("DOC-C")}
	dir := t.TempDir()
	artifacts := make(map[string]string)
	for _, rec := range records {
		path := filepath.Join(dir, rec.DocumentID+".pdf")
		require.NoError(t, os.WriteFile(path, []byte("pdf"), 0o644))
		artifacts[rec.DocumentID] = path
	}

	resp, err := o.IssueBatch(context.Background(), records, artifacts)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.BatchID)
	require.Len(t, resp.Items, 3)
	for _, item := range resp.Items {
		assert.NoError(t, item.Err)
	}
	assert.Equal(t, resp.Root, fake.Roots[0].Root)

	// every member proof must verify against the anchored root
	for _, rec := range records {
		member, found, err := cs.GetBatchMember(rec.DocumentID)
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, merkle.VerifyProof(member.CertificateHash, member.Proof, resp.Root))
	}
}

func TestIssueBatchRejectsDuplicates(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	_, err := o.IssueBatch(context.Background(), nil, nil)
	assert.ErrorIs(t, err, certerrors.ErrVEmptyBatch)

	records := []types.Record{record("DOC-A"), record("DOC-A")}
	_, err = o.IssueBatch(context.Background(), records, nil)
	assert.ErrorIs(t, err, certerrors.ErrVDuplicateNumber)
}

func TestRenewSingleOrdering(t *testing.T) {
	o, _, cs := newTestOrchestrator(t)
	_, err := o.IssueSingle(context.Background(), record("CERT-1"))
	require.NoError(t, err)

	// tie is rejected
	_, err = o.RenewSingle(context.Background(), "CERT-1", farFuture())
	assert.ErrorIs(t, err, certerrors.ErrVRenewNotLater)

	// earlier is rejected
	_, err = o.RenewSingle(context.Background(), "CERT-1", farFuture()-1)
	assert.ErrorIs(t, err, certerrors.ErrVRenewNotLater)

	// strictly later succeeds and updates the local row
	newExp := farFuture() + 86400
	cert, err := o.RenewSingle(context.Background(), "CERT-1", newExp)
	require.NoError(t, err)
	assert.Equal(t, newExp, cert.ExpirationDate)
	assert.Equal(t, types.StatusRenewed, cert.Status)

	stored, _, err := cs.GetSingle("CERT-1")
	require.NoError(t, err)
	assert.Equal(t, newExp, stored.ExpirationDate)
}

func TestRenewSingleGuards(t *testing.T) {
	o, _, cs := newTestOrchestrator(t)

	_, err := o.RenewSingle(context.Background(), "CERT-404", farFuture())
	assert.ErrorIs(t, err, certerrors.ErrVNotFound)

	_, err = o.IssueSingle(context.Background(), record("CERT-1"))
	require.NoError(t, err)
	_, err = o.UpdateSingleStatus(context.Background(), "CERT-1", types.StatusRevoked)
	require.NoError(t, err)
	_, err = o.RenewSingle(context.Background(), "CERT-1", farFuture()+1)
	assert.ErrorIs(t, err, certerrors.ErrVRenewRevoked)

	// an already expired certificate cannot be renewed
	expired := types.SingleCertificate{
		CertificateNumber: "CERT-2",
		IssuerID:          "issuer-1",
		HolderName:        "Avery Doe",
		Title:             "Industrial Safety",
		GrantDate:         uint64(testNow.Add(-720 * 24 * time.Hour).Unix()),
		ExpirationDate:    uint64(testNow.Add(-24 * time.Hour).Unix()),
		Status:            types.StatusIssued,
	}
	require.NoError(t, cs.InsertSingle(expired))
	_, err = o.RenewSingle(context.Background(), "CERT-2", farFuture())
	assert.ErrorIs(t, err, certerrors.ErrVRenewExpired)
}

func TestRenewInfiniteNeverLater(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	rec := record("CERT-1")
	rec.ExpirationDate = types.InfiniteExpiration
	_, err := o.IssueSingle(context.Background(), rec)
	require.NoError(t, err)

	_, err = o.RenewSingle(context.Background(), "CERT-1", farFuture())
	assert.ErrorIs(t, err, certerrors.ErrVRenewNotLater)
}

func TestUpdateStatusGuards(t *testing.T) {
	o, fake, _ := newTestOrchestrator(t)
	_, err := o.IssueSingle(context.Background(), record("CERT-1"))
	require.NoError(t, err)

	_, err = o.UpdateSingleStatus(context.Background(), "CERT-1", types.StatusRevoked)
	require.NoError(t, err)

	// idempotent update is an error, not a success
	_, err = o.UpdateSingleStatus(context.Background(), "CERT-1", types.StatusRevoked)
	assert.ErrorIs(t, err, certerrors.ErrVSameStatus)

	_, err = o.UpdateSingleStatus(context.Background(), "CERT-1", types.StatusReactivated)
	require.NoError(t, err)

	// the chain reports the certificate aged out; revoke is blocked
	fake.Singles["CERT-1"].Status = types.StatusExpiredOnChain
	_, err = o.UpdateSingleStatus(context.Background(), "CERT-1", types.StatusRevoked)
	assert.ErrorIs(t, err, certerrors.ErrVRevokeTerminal)
}

func TestRenewBatchAllMembers(t *testing.T) {
	o, fake, cs := newTestOrchestrator(t)
	resp := issueTestBatch(t, o, "DOC-A", "DOC-B")

	// batch roots start without expiration; renewal of the root is the
	// promotion case, so pin a finite expiration first
	fake.Roots[resp.BatchID-1].Expiration = farFuture()

	newExp := farFuture() + 86400
	members, err := o.RenewBatch(context.Background(), resp.BatchID, newExp)
	require.NoError(t, err)
	require.Len(t, members, 2)
	for _, m := range members {
		assert.Equal(t, newExp, m.ExpirationDate)
		assert.Equal(t, types.StatusRenewed, m.Status)
	}
	assert.Equal(t, newExp, fake.Roots[resp.BatchID-1].Expiration)

	stored, _, err := cs.GetBatchMember("DOC-A")
	require.NoError(t, err)
	assert.Equal(t, newExp, stored.ExpirationDate)
}

func TestRenewBatchMemberPromotion(t *testing.T) {
	o, fake, cs := newTestOrchestrator(t)
	resp := issueTestBatch(t, o, "DOC-A", "DOC-B")
	require.Equal(t, types.InfiniteExpiration, fake.Roots[resp.BatchID-1].Expiration)

	before, _, err := cs.GetBatchMember("DOC-A")
	require.NoError(t, err)

	newExp := farFuture() + 86400
	promoted, err := o.RenewBatchMember(context.Background(), "DOC-A", newExp)
	require.NoError(t, err)
	assert.Equal(t, "DOC-A", promoted.CertificateNumber)
	assert.Equal(t, newExp, promoted.ExpirationDate)
	assert.Equal(t, before.CertificateHash, promoted.CertificateHash, "commitment leaf hash is preserved")

	// old batch row removed, new single row created
	_, found, err := cs.GetBatchMember("DOC-A")
	require.NoError(t, err)
	assert.False(t, found)
	single, found, err := cs.GetSingle("DOC-A")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, newExp, single.ExpirationDate)

	// the member now lives on-chain as a standalone certificate
	assert.NotNil(t, fake.Singles["DOC-A"])

	// subsequent renewal goes through the single path
	_, err = o.RenewBatchMember(context.Background(), "DOC-A", newExp+86400)
	require.NoError(t, err)
	single, _, err = cs.GetSingle("DOC-A")
	require.NoError(t, err)
	assert.Equal(t, newExp+86400, single.ExpirationDate)
}

func TestRenewBatchMemberBoundToFiniteRoot(t *testing.T) {
	o, fake, _ := newTestOrchestrator(t)
	resp := issueTestBatch(t, o, "DOC-A")
	fake.Roots[resp.BatchID-1].Expiration = farFuture()

	_, err := o.RenewBatchMember(context.Background(), "DOC-A", farFuture()+86400)
	assert.ErrorIs(t, err, certerrors.ErrVMemberBatchBound)
}

func TestUpdateBatchStatus(t *testing.T) {
	o, fake, cs := newTestOrchestrator(t)
	resp := issueTestBatch(t, o, "DOC-A", "DOC-B")

	members, err := o.UpdateBatchStatus(context.Background(), resp.BatchID, types.StatusRevoked)
	require.NoError(t, err)
	for _, m := range members {
		assert.Equal(t, types.StatusRevoked, m.Status)
	}
	assert.Equal(t, types.StatusRevoked, fake.Roots[resp.BatchID-1].Status)

	stored, _, err := cs.GetBatchMember("DOC-B")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRevoked, stored.Status)

	_, err = o.UpdateBatchStatus(context.Background(), resp.BatchID, types.StatusRevoked)
	assert.ErrorIs(t, err, certerrors.ErrVSameStatus)
}

func TestSubmitWriteIdempotency(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	oldDelay := writeRetryDelay
	writeRetryDelay = time.Millisecond
	defer func() { writeRetryDelay = oldDelay }()

	// first attempt times out but the write landed; the probe stops the retry
	attempts := 0
	tx, err := o.submitWrite(context.Background(),
		func(context.Context) (common.Hash, error) {
			attempts++
			return common.Hash{}, fmt.Errorf("%w: rpc timeout", certerrors.ErrLTransient)
		},
		func(context.Context) (bool, error) { return true, nil })
	require.NoError(t, err)
	assert.True(t, common.IsNilHash(tx), "tx hash is unknown when recovered via the probe")
	assert.Equal(t, 1, attempts)
}

func TestSubmitWriteTerminalNotRetried(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	attempts := 0
	_, err := o.submitWrite(context.Background(),
		func(context.Context) (common.Hash, error) {
			attempts++
			return common.Hash{}, errors.Join(certerrors.ErrLTerminal)
		}, nil)
	assert.ErrorIs(t, err, certerrors.ErrLTerminal)
	assert.Equal(t, 1, attempts)
}

func issueTestBatch(t *testing.T, o *Orchestrator, docs ...string) *BatchResponse {
	t.Helper()
	records := make([]types.Record, len(docs))
	artifacts := make(map[string]string, len(docs))
	dir := t.TempDir()
	for i, doc := range docs {
		records[i] = record(doc)
		path := filepath.Join(dir, doc+".pdf")
		require.NoError(t, os.WriteFile(path, []byte("pdf"), 0o644))
		artifacts[doc] = path
	}
	resp, err := o.IssueBatch(context.Background(), records, artifacts)
	require.NoError(t, err)
	for _, item := range resp.Items {
		require.NoError(t, item.Err)
	}
	return resp
}
