package store

import (
	"testing"

	"github.com/certanchor/certanchor/certerrors"
	"github.com/certanchor/certanchor/common"
	"github.com/certanchor/certanchor/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *CertificateStore {
	t.Helper()
	cs, err := NewMemoryCertificateStore()
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return cs
}

func single(number string) types.SingleCertificate {
	return types.SingleCertificate{
		CertificateNumber: number,
		IssuerID:          "issuer-1",
		HolderName:        "Casey Smith",
		Title:             "Data Engineering",
		GrantDate:         1700000000,
		ExpirationDate:    1800000000,
		CertificateHash:   common.Sha256Hash([]byte(number)),
		Status:            types.StatusIssued,
	}
}

func batchMember(number string, batchID uint64) types.BatchCertificate {
	return types.BatchCertificate{
		CertificateNumber: number,
		IssuerID:          "issuer-1",
		BatchID:           batchID,
		CertificateHash:   common.Sha256Hash([]byte(number)),
		EncodedProof:      common.Sha256Hash([]byte("proof-" + number)),
		Status:            types.StatusIssued,
		GrantDate:         1700000000,
		ExpirationDate:    1800000000,
	}
}

func TestInsertAndGetSingle(t *testing.T) {
	cs := newTestStore(t)
	require.NoError(t, cs.InsertSingle(single("CERT-1")))

	got, found, err := cs.GetSingle("CERT-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Casey Smith", got.HolderName)
	assert.Equal(t, types.StatusIssued, got.Status)

	_, found, err = cs.GetSingle("CERT-2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUniquenessAcrossKeyspaces(t *testing.T) {
	cs := newTestStore(t)
	require.NoError(t, cs.InsertSingle(single("CERT-1")))

	err := cs.InsertSingle(single("CERT-1"))
	assert.ErrorIs(t, err, certerrors.ErrVDuplicateNumber)

	// same number as a batch member must also be rejected
	err = cs.InsertBatchMember(batchMember("CERT-1", 7))
	assert.ErrorIs(t, err, certerrors.ErrVDuplicateNumber)

	// and the other direction
	require.NoError(t, cs.InsertBatchMember(batchMember("CERT-2", 7)))
	err = cs.InsertSingle(single("CERT-2"))
	assert.ErrorIs(t, err, certerrors.ErrVDuplicateNumber)
}

func TestBulkInsertRejectedOnDuplicate(t *testing.T) {
	cs := newTestStore(t)
	require.NoError(t, cs.InsertBatchMember(batchMember("CERT-2", 3)))

	err := cs.InsertBatchMembers([]types.BatchCertificate{
		batchMember("CERT-3", 4),
		batchMember("CERT-2", 4),
	})
	assert.ErrorIs(t, err, certerrors.ErrVDuplicateNumber)

	// nothing from the rejected batch may have landed
	_, found, err := cs.GetBatchMember("CERT-3")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMembersOfBatch(t *testing.T) {
	cs := newTestStore(t)
	require.NoError(t, cs.InsertBatchMembers([]types.BatchCertificate{
		batchMember("CERT-B", 5),
		batchMember("CERT-A", 5),
		batchMember("CERT-C", 6),
	}))

	members, err := cs.MembersOfBatch(5)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "CERT-A", members[0].CertificateNumber)
	assert.Equal(t, "CERT-B", members[1].CertificateNumber)

	members, err = cs.MembersOfBatch(9)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestUpdateRequiresExistingRow(t *testing.T) {
	cs := newTestStore(t)
	err := cs.UpdateSingle(single("CERT-1"))
	assert.ErrorIs(t, err, certerrors.ErrVNotFound)

	require.NoError(t, cs.InsertSingle(single("CERT-1")))
	cert := single("CERT-1")
	cert.Status = types.StatusRenewed
	cert.ExpirationDate = 1900000000
	require.NoError(t, cs.UpdateSingle(cert))

	got, _, err := cs.GetSingle("CERT-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRenewed, got.Status)
	assert.Equal(t, uint64(1900000000), got.ExpirationDate)
}

func TestPromote(t *testing.T) {
	cs := newTestStore(t)
	member := batchMember("CERT-P", 2)
	require.NoError(t, cs.InsertBatchMember(member))

	promoted := single("CERT-P")
	promoted.Status = types.StatusRenewed
	require.NoError(t, cs.Promote(member, promoted))

	// old batch row removed, new single row created, number preserved
	_, found, err := cs.GetBatchMember("CERT-P")
	require.NoError(t, err)
	assert.False(t, found)

	got, found, err := cs.GetSingle("CERT-P")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.StatusRenewed, got.Status)

	members, err := cs.MembersOfBatch(2)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestPromoteMismatchedNumber(t *testing.T) {
	cs := newTestStore(t)
	member := batchMember("CERT-P", 2)
	require.NoError(t, cs.InsertBatchMember(member))
	err := cs.Promote(member, single("CERT-Q"))
	assert.Error(t, err)
}
