// Package ledger implements the account model, BlockView overlay, and
// atomic block-commit pipeline from spec §4.3: it is the only owner of
// the KVS handle and the in-memory accounts trie, and the sole writer
// of committed state.
package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"aether-core/internal/coreerr"
	"aether-core/internal/kvs"
	"aether-core/internal/trie"
	"aether-core/internal/vm"
	"aether-core/pkg/types"
)

// SignatureVerifier validates a transaction's signature against its
// sender, delegated to an external verifier per §4.3 ("validates
// signature (delegated to external verifier; see §6)"). The ledger
// never re-derives key material itself.
type SignatureVerifier interface {
	Verify(tx types.Transaction) bool
}

// Stats exposes lightweight operational counters (SPEC_FULL.md
// supplemental feature), not a full metrics stack.
type Stats struct {
	CommitCount        uint64
	TxApplied          uint64
	ConflictRetryCount uint64
}

// Ledger holds the KVS handle, the in-memory SMT accessor, current
// height, current state root, and the pending commit pipeline (§4.3).
// It is the exclusive owner of db and accTrie; a Scheduler only ever
// borrows a BlockView derived from it for the duration of one block.
type Ledger struct {
	mu sync.Mutex // serializes commit: blocks apply strictly in height order (§5)

	db      *kvs.Store
	accTrie *trie.Trie
	height  uint64

	executor vm.Executor
	sigCheck SignatureVerifier

	log *logrus.Entry

	commitCount     uint64
	txApplied       uint64
	conflictRetries uint64
}

// accountTrieKey maps an address to the 256-bit key used in the
// global accounts trie, per §4.2's suggestion ("typically hash(address)").
func accountTrieKey(addr types.Address) types.Hash {
	return sha256.Sum256(addr[:])
}

// Open constructs a Ledger over an already-opened KVS, rooted at the
// given committed height and accounts-trie root (EmptyRoot() for a
// fresh chain). executor runs contract bytecode; sigCheck may be nil,
// in which case every transaction is treated as pre-verified upstream
// (matching a test harness or a caller that already gated on
// signatures before handing transactions to the core).
func Open(db *kvs.Store, executor vm.Executor, sigCheck SignatureVerifier, height uint64, accountsRoot types.Hash) *Ledger {
	return &Ledger{
		db:       db,
		accTrie:  trie.New(db, accountsRoot),
		height:   height,
		executor: executor,
		sigCheck: sigCheck,
		log:      logrus.WithField("component", "ledger"),
	}
}

// Height returns the last committed block height.
func (l *Ledger) Height() uint64 { return l.height }

// StateRoot returns the current accounts-trie root.
func (l *Ledger) StateRoot() types.Hash { return l.accTrie.Root() }

// Stats returns a snapshot of the ledger's operational counters.
func (l *Ledger) Stats() Stats {
	return Stats{
		CommitCount:        atomic.LoadUint64(&l.commitCount),
		TxApplied:          atomic.LoadUint64(&l.txApplied),
		ConflictRetryCount: atomic.LoadUint64(&l.conflictRetries),
	}
}

// GetAccount returns addr's committed account, or the zero-account
// view if it has never been touched (§4.3).
func (l *Ledger) GetAccount(addr types.Address) (types.Account, error) {
	return l.readCommittedAccount(addr)
}

func (l *Ledger) readCommittedAccount(addr types.Address) (types.Account, error) {
	raw, found, err := l.db.Get(kvs.CFAccounts, addr.Bytes())
	if err != nil {
		return types.Account{}, err
	}
	if !found {
		return types.ZeroAccount(), nil
	}
	acct, err := types.DecodeAccount(raw)
	if err != nil {
		return types.Account{}, coreerr.Fatal("ledger.readCommittedAccount", fmt.Errorf("%w: %v", coreerr.ErrTrieHashMismatch, err))
	}
	return acct, nil
}

func (l *Ledger) readCommittedStorage(addr types.Address, key types.Hash) ([]byte, bool, error) {
	storeKey := append(append([]byte{}, addr.Bytes()...), key[:]...)
	val, found, err := l.db.Get(kvs.CFContractStorage, storeKey)
	if err != nil {
		return nil, false, err
	}
	if !found || len(val) == 0 {
		return nil, false, nil
	}
	return val, true, nil
}

func (l *Ledger) readCommittedCode(codeHash types.Hash) ([]byte, bool, error) {
	if codeHash.IsZero() {
		return nil, false, nil
	}
	val, found, err := l.db.Get(kvs.CFCode, codeHash.Bytes())
	if err != nil {
		return nil, false, err
	}
	return val, found, nil
}

// IncrConflictRetry records one scheduler wave that needed a serial
// re-execution fallback (§4.5 "divergence handling"), surfaced via Stats.
func (l *Ledger) IncrConflictRetry() {
	atomic.AddUint64(&l.conflictRetries, 1)
}

// NewBlockView opens a per-block working view over the currently
// committed state (§4.3). The caller (normally the Scheduler) owns it
// exclusively until Commit or Rollback.
func (l *Ledger) NewBlockView() *BlockView {
	return newBlockView(l)
}

// Rollback discards a view without committing. Cheap: nothing was ever
// flushed to the KVS (§9 "Cancellation without cooperative cancellation").
func (l *Ledger) Rollback(view *BlockView) {
	l.log.Debug("block view rolled back")
}

func heightKey(height uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], height)
	return b[:]
}
