package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/certanchor/certanchor/certerrors"
	"github.com/certanchor/certanchor/types"
	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	s/<number>              -> SingleCertificate JSON
//	b/<number>              -> BatchCertificate JSON
//	bi/<batchId>/<number>   -> empty (member index for batch-wide renewal)
const (
	singlePrefix     = "s/"
	batchPrefix      = "b/"
	batchIndexPrefix = "bi/"
)

// CertificateStore wraps LevelDB for certificate persistence. A certificate
// number exists in at most one of the two keyspaces; inserts take the store
// lock so a concurrent duplicate issue attempt cannot race past the
// uniqueness check.
type CertificateStore struct {
	db *leveldb.DB
	mu sync.Mutex
}

// NewCertificateStore opens or creates a LevelDB database at the given path.
// If path is empty, uses in-memory storage.
func NewCertificateStore(path string) (*CertificateStore, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		memStorage := leveldbstorage.NewMemStorage()
		db, err = leveldb.Open(memStorage, nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}

	return &CertificateStore{db: db}, nil
}

// NewMemoryCertificateStore creates an in-memory CertificateStore for testing.
func NewMemoryCertificateStore() (*CertificateStore, error) {
	return NewCertificateStore("")
}

func singleKey(number string) []byte { return []byte(singlePrefix + number) }
func batchKey(number string) []byte  { return []byte(batchPrefix + number) }
func batchIndexKey(batchID uint64, number string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", batchIndexPrefix, batchID, number))
}

// Exists reports whether the number is present in either keyspace.
func (cs *CertificateStore) Exists(number string) (bool, error) {
	for _, key := range [][]byte{singleKey(number), batchKey(number)} {
		ok, err := cs.db.Has(key, nil)
		if err != nil {
			return false, fmt.Errorf("Exists %s: %w", number, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// InsertSingle writes a new single certificate. Fails with ErrVDuplicateNumber
// if the number already exists in either keyspace.
func (cs *CertificateStore) InsertSingle(cert types.SingleCertificate) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	exists, err := cs.Exists(cert.CertificateNumber)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s: %w", cert.CertificateNumber, certerrors.ErrVDuplicateNumber)
	}
	return cs.putSingle(cert)
}

func (cs *CertificateStore) putSingle(cert types.SingleCertificate) error {
	data, err := json.Marshal(cert)
	if err != nil {
		return err
	}
	return cs.db.Put(singleKey(cert.CertificateNumber), data, nil)
}

// UpdateSingle overwrites an existing single certificate row.
func (cs *CertificateStore) UpdateSingle(cert types.SingleCertificate) error {
	ok, err := cs.db.Has(singleKey(cert.CertificateNumber), nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", cert.CertificateNumber, certerrors.ErrVNotFound)
	}
	return cs.putSingle(cert)
}

// GetSingle retrieves a single certificate. Returns found=false if absent.
func (cs *CertificateStore) GetSingle(number string) (types.SingleCertificate, bool, error) {
	var cert types.SingleCertificate
	data, err := cs.db.Get(singleKey(number), nil)
	if err == leveldb.ErrNotFound {
		return cert, false, nil
	}
	if err != nil {
		return cert, false, fmt.Errorf("GetSingle %s: %w", number, err)
	}
	if err := json.Unmarshal(data, &cert); err != nil {
		return cert, false, fmt.Errorf("GetSingle %s: %w", number, err)
	}
	return cert, true, nil
}

// InsertBatchMembers writes the rows of one finalized batch. Every number must
// be globally unique; the whole insert is rejected on the first duplicate.
func (cs *CertificateStore) InsertBatchMembers(certs []types.BatchCertificate) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	wb := new(leveldb.Batch)
	for _, cert := range certs {
		exists, err := cs.Exists(cert.CertificateNumber)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%s: %w", cert.CertificateNumber, certerrors.ErrVDuplicateNumber)
		}
		data, err := json.Marshal(cert)
		if err != nil {
			return err
		}
		wb.Put(batchKey(cert.CertificateNumber), data)
		wb.Put(batchIndexKey(cert.BatchID, cert.CertificateNumber), nil)
	}
	return cs.db.Write(wb, nil)
}

// InsertBatchMember writes one batch row under the uniqueness check.
func (cs *CertificateStore) InsertBatchMember(cert types.BatchCertificate) error {
	return cs.InsertBatchMembers([]types.BatchCertificate{cert})
}

// UpdateBatchMember overwrites an existing batch certificate row.
func (cs *CertificateStore) UpdateBatchMember(cert types.BatchCertificate) error {
	ok, err := cs.db.Has(batchKey(cert.CertificateNumber), nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", cert.CertificateNumber, certerrors.ErrVNotFound)
	}
	data, err := json.Marshal(cert)
	if err != nil {
		return err
	}
	return cs.db.Put(batchKey(cert.CertificateNumber), data, nil)
}

// GetBatchMember retrieves a batch certificate. Returns found=false if absent.
func (cs *CertificateStore) GetBatchMember(number string) (types.BatchCertificate, bool, error) {
	var cert types.BatchCertificate
	data, err := cs.db.Get(batchKey(number), nil)
	if err == leveldb.ErrNotFound {
		return cert, false, nil
	}
	if err != nil {
		return cert, false, fmt.Errorf("GetBatchMember %s: %w", number, err)
	}
	if err := json.Unmarshal(data, &cert); err != nil {
		return cert, false, fmt.Errorf("GetBatchMember %s: %w", number, err)
	}
	return cert, true, nil
}

// MembersOfBatch returns every certificate bound to one batch commitment,
// sorted by certificate number.
func (cs *CertificateStore) MembersOfBatch(batchID uint64) ([]types.BatchCertificate, error) {
	prefix := []byte(fmt.Sprintf("%s%020d/", batchIndexPrefix, batchID))
	iter := cs.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var members []types.BatchCertificate
	for iter.Next() {
		number := string(iter.Key()[len(prefix):])
		cert, found, err := cs.GetBatchMember(number)
		if err != nil {
			return nil, err
		}
		if !found {
			// index row without a data row indicates an interrupted promote
			continue
		}
		members = append(members, cert)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("MembersOfBatch %d: %w", batchID, err)
	}
	return members, nil
}

// Promote migrates a batch member to a standalone single certificate in one
// atomic write: the batch row and its index entry are removed, the single row
// is created, the certificate number is preserved.
func (cs *CertificateStore) Promote(old types.BatchCertificate, cert types.SingleCertificate) error {
	if old.CertificateNumber != cert.CertificateNumber {
		return fmt.Errorf("promote: number mismatch %s != %s", old.CertificateNumber, cert.CertificateNumber)
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ok, err := cs.db.Has(batchKey(old.CertificateNumber), nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", old.CertificateNumber, certerrors.ErrVNotFound)
	}
	data, err := json.Marshal(cert)
	if err != nil {
		return err
	}
	wb := new(leveldb.Batch)
	wb.Delete(batchKey(old.CertificateNumber))
	wb.Delete(batchIndexKey(old.BatchID, old.CertificateNumber))
	wb.Put(singleKey(cert.CertificateNumber), data)
	return cs.db.Write(wb, nil)
}

// DeleteSingle removes a single certificate row.
func (cs *CertificateStore) DeleteSingle(number string) error {
	return cs.db.Delete(singleKey(number), nil)
}

func (cs *CertificateStore) Close() error {
	return cs.db.Close()
}
