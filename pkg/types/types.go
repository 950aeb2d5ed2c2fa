// Package types holds the value types shared by every layer of the
// state-and-execution core: addresses, hashes, accounts and their
// canonical on-chain encoding. Keeping them dependency-free lets kvs,
// trie, ledger, vm and scheduler all import types without a cycle.
package types

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
)

// Address is a 20-byte account identifier.
type Address [20]byte

func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

func (a Address) Bytes() []byte { return a[:] }

// BytesToAddress left-pads or truncates b into an Address.
func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > len(a) {
		b = b[len(b)-len(a):]
	}
	copy(a[len(a)-len(b):], b)
	return a
}

// Hash is a 32-byte digest, used for block hashes, tx hashes, trie node
// hashes and state roots alike.
type Hash [32]byte

func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) IsZero() bool { return h == Hash{} }

// BytesToHash left-pads or truncates b into a Hash.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > len(h) {
		b = b[len(b)-len(h):]
	}
	copy(h[len(h)-len(b):], b)
	return h
}

// AccountEncodedLen is the fixed size of the canonical account blob used
// as the SMT leaf value (§6: balance 16B + nonce 8B + code_hash 32B +
// storage_root 32B).
const AccountEncodedLen = 16 + 8 + 32 + 32

// Account is the per-address ledger record. Balance is modeled as a u128
// but carried in Go as *big.Int for arithmetic convenience; Encode writes
// it into the mandated 16-byte big-endian field and panics if it does not
// fit in 128 bits.
type Account struct {
	Balance     *big.Int
	Nonce       uint64
	CodeHash    Hash // zero for an EOA
	StorageRoot Hash
}

// ZeroAccount is the canonical view returned for an address with no
// ledger entry (§4.3: get_account never errors on absence).
func ZeroAccount() Account {
	return Account{Balance: new(big.Int)}
}

// IsEOA reports whether the account has no associated contract code.
func (a Account) IsEOA() bool { return a.CodeHash.IsZero() }

// Encode produces the canonical 88-byte serialization from §6: balance
// as 16-byte big-endian, nonce as 8-byte big-endian, code_hash 32 bytes,
// storage_root 32 bytes. This is the only encoding ever hashed into the
// trie or written to the accounts column family, so every node that
// reaches the same Account produces byte-identical output.
func (a Account) Encode() []byte {
	out := make([]byte, AccountEncodedLen)
	bal := a.Balance
	if bal == nil {
		bal = new(big.Int)
	}
	balBytes := bal.Bytes()
	if len(balBytes) > 16 {
		panic("types: account balance overflows u128")
	}
	copy(out[16-len(balBytes):16], balBytes)
	binary.BigEndian.PutUint64(out[16:24], a.Nonce)
	copy(out[24:56], a.CodeHash[:])
	copy(out[56:88], a.StorageRoot[:])
	return out
}

// DecodeAccount parses the canonical 88-byte encoding back into an
// Account. It is the inverse of Encode and never mutates its input.
func DecodeAccount(b []byte) (Account, error) {
	if len(b) != AccountEncodedLen {
		return Account{}, fmt.Errorf("types: account encoding must be %d bytes, got %d", AccountEncodedLen, len(b))
	}
	a := Account{
		Balance: new(big.Int).SetBytes(b[0:16]),
		Nonce:   binary.BigEndian.Uint64(b[16:24]),
	}
	copy(a.CodeHash[:], b[24:56])
	copy(a.StorageRoot[:], b[56:88])
	return a, nil
}

// Clone returns a deep copy so callers can mutate without aliasing the
// original's big.Int.
func (a Account) Clone() Account {
	bal := new(big.Int)
	if a.Balance != nil {
		bal.Set(a.Balance)
	}
	return Account{Balance: bal, Nonce: a.Nonce, CodeHash: a.CodeHash, StorageRoot: a.StorageRoot}
}
