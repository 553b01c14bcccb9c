package common

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	ethereumCommon "github.com/ethereum/go-ethereum/common"
)

// Hash is a custom type based on Ethereum's common.Hash
type Hash ethereumCommon.Hash

// Address is a custom type based on Ethereum's common.Address
type Address ethereumCommon.Address

// Sha256Hash computes the SHA-256 digest of data.
func Sha256Hash(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

func Uint64ToBytes(val uint64) []byte {
	bytes := make([]byte, 8)
	binary.BigEndian.PutUint64(bytes, val)
	return bytes
}

// Bytes returns the byte representation of the hash.
func (h Hash) Bytes() []byte {
	return ethereumCommon.Hash(h).Bytes()
}

// String returns the string representation of the hash.
func (h Hash) String() string {
	return ethereumCommon.Hash(h).String()
}

// Hex returns the hexadecimal string representation of the hash.
func (h Hash) Hex() string {
	return ethereumCommon.Hash(h).Hex()
}

// Skips "0x" and prints the first and last 4 characters
func Str(hash Hash) string {
	return fmt.Sprintf("%s..%s", hash.Hex()[2:6], hash.Hex()[len(hash.Hex())-4:])
}

// BytesToHash converts a byte slice to a Hash.
func BytesToHash(b []byte) Hash {
	return Hash(ethereumCommon.BytesToHash(b))
}

// HexToHash converts a hexadecimal string to a Hash.
func HexToHash(s string) Hash {
	return Hash(ethereumCommon.HexToHash(s))
}

func Bytes2Hex(d []byte) string {
	return "0x" + ethereumCommon.Bytes2Hex(d)
}

func Hex2Bytes(b string) []byte {
	return ethereumCommon.FromHex(b)
}

func IsNilHash(h Hash) bool {
	return h == Hash{}
}

// MarshalJSON custom marshaler to convert Hash to hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

// UnmarshalJSON custom unmarshaler to handle hex strings for Hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var hexStr string
	if err := json.Unmarshal(data, &hexStr); err != nil {
		return err
	}
	*h = HexToHash(hexStr)
	return nil
}

// Bytes returns the byte representation of the address.
func (a Address) Bytes() []byte {
	return ethereumCommon.Address(a).Bytes()
}

// Hex returns the hexadecimal string representation of the address.
func (a Address) Hex() string {
	return ethereumCommon.Address(a).Hex()
}

// HexToAddress converts a hexadecimal string to an Address.
func HexToAddress(s string) Address {
	return Address(ethereumCommon.HexToAddress(s))
}

// MarshalJSON custom marshaler to convert Address to hex string.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Hex())
}

// UnmarshalJSON custom unmarshaler to handle hex strings for Address.
func (a *Address) UnmarshalJSON(data []byte) error {
	var hexStr string
	if err := json.Unmarshal(data, &hexStr); err != nil {
		return err
	}
	*a = HexToAddress(hexStr)
	return nil
}
