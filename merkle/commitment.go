package merkle

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/certanchor/certanchor/common"
	"github.com/certanchor/certanchor/types"
)

// LeafHash computes the SHA-256 digest of a record's canonical serialization.
// Re-hashing the same record always yields the same digest.
func LeafHash(r types.Record) common.Hash {
	return common.Sha256Hash(r.Canonical())
}

// Commitment is a binary Merkle tree over an ordered list of leaf hashes.
// Leaf order is fixed at construction and must be reused for proof indices
// during finalization and verification.
//
// Sibling pairs are concatenated in sorted order before hashing and an odd
// node is promoted unpaired. This matches the verifier deployed on the
// ledger; changing combine() breaks every commitment already on-chain.
type Commitment struct {
	leaves []common.Hash
	levels [][]common.Hash
	root   common.Hash
}

// NewCommitment builds the tree over the given leaves. Building fails if the
// leaf list is empty or any leaf hash is missing.
func NewCommitment(leaves []common.Hash) (*Commitment, error) {
	if len(leaves) == 0 {
		return nil, errors.New("no leaves to construct the commitment")
	}
	for i, leaf := range leaves {
		if common.IsNilHash(leaf) {
			return nil, fmt.Errorf("leaf %d: missing leaf hash", i)
		}
	}
	c := &Commitment{leaves: append([]common.Hash(nil), leaves...)}
	level := c.leaves
	c.levels = append(c.levels, level)
	for len(level) > 1 {
		var parentLevel []common.Hash
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				parentLevel = append(parentLevel, combine(level[i], level[i+1]))
			} else {
				parentLevel = append(parentLevel, level[i])
			}
		}
		c.levels = append(c.levels, parentLevel)
		level = parentLevel
	}
	c.root = level[0]
	return c, nil
}

// combine hashes a sibling pair, smaller hash first.
func combine(a, b common.Hash) common.Hash {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return common.Sha256Hash(append(a.Bytes(), b.Bytes()...))
}

// Root returns the root of the commitment.
func (c *Commitment) Root() common.Hash {
	return c.root
}

// Size returns the number of leaves.
func (c *Commitment) Size() int {
	return len(c.leaves)
}

// Leaf returns the leaf hash at the given index.
func (c *Commitment) Leaf(index int) (common.Hash, error) {
	if index < 0 || index >= len(c.leaves) {
		return common.Hash{}, fmt.Errorf("leaf index %d out of range", index)
	}
	return c.leaves[index], nil
}

// ProofOf returns the ordered sibling hashes from leaf to root for the given
// index. A size-1 commitment yields an empty proof.
func (c *Commitment) ProofOf(index int) ([]common.Hash, error) {
	if index < 0 || index >= len(c.leaves) {
		return nil, fmt.Errorf("proof index %d out of range", index)
	}
	var proof []common.Hash
	for d := 0; d < len(c.levels)-1; d++ {
		level := c.levels[d]
		var siblingIndex int
		if index%2 == 0 {
			siblingIndex = index + 1
		} else {
			siblingIndex = index - 1
		}
		// promoted node has no sibling at this level
		if siblingIndex >= 0 && siblingIndex < len(level) {
			proof = append(proof, level[siblingIndex])
		}
		index /= 2
	}
	return proof, nil
}

// VerifyProof recomputes the root from a leaf and its proof.
func VerifyProof(leaf common.Hash, proof []common.Hash, root common.Hash) bool {
	h := leaf
	for _, sibling := range proof {
		h = combine(h, sibling)
	}
	return h == root
}

// EncodeProof derives the alternate membership key: the SHA-256 digest of the
// concatenated sibling bytes. Used as a cheap equality key against the
// ledger's secondary verification entry point.
func EncodeProof(proof []common.Hash) common.Hash {
	var buf []byte
	for _, sibling := range proof {
		buf = append(buf, sibling.Bytes()...)
	}
	return common.Sha256Hash(buf)
}
