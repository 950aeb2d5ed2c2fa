package ledger

import (
	"aether-core/pkg/types"
)

// CheckpointId marks a position in a BlockView's journal; RevertTo
// undoes every entry recorded after it (§4.3, §9: "give each wave task
// an isolated working view... merge overlays in-order").
type CheckpointId int

type journalKind uint8

const (
	journalAccount journalKind = iota
	journalStorage
)

// journalEntry records enough to undo one overlay write: the prior
// value, and whether the key existed in the overlay before the write
// (as opposed to falling through to the committed ledger).
type journalEntry struct {
	kind journalKind

	addr types.Address
	key  types.Hash // only meaningful for journalStorage

	had  bool
	acct types.Account
	val  []byte
}

// BlockView is a transient, in-memory buffer of every state read and
// write for one block (§4.3, GLOSSARY "BlockView"). The committed KVS
// and accounts trie are untouched until Ledger.Commit folds the
// view's dirty sets into one atomic batch.
type BlockView struct {
	ledger *Ledger
	// base is non-nil for a per-tx working view the scheduler forked off
	// the block's main view for one wave (§4.5 "independent per-tx
	// working views derived from the block's base view"). Overlay misses
	// fall through to base before falling through to the ledger.
	base *BlockView

	accounts map[types.Address]types.Account
	storage  map[types.Address]map[types.Hash][]byte
	code     map[types.Hash][]byte

	dirtyAccounts map[types.Address]struct{}
	dirtyStorage  map[types.Address]map[types.Hash]struct{}
	dirtyCode     map[types.Hash]struct{}

	journal []journalEntry

	receipts map[int]types.Receipt
}

func newBlockView(l *Ledger) *BlockView {
	return &BlockView{
		ledger:        l,
		accounts:      make(map[types.Address]types.Account),
		storage:       make(map[types.Address]map[types.Hash][]byte),
		code:          make(map[types.Hash][]byte),
		dirtyAccounts: make(map[types.Address]struct{}),
		dirtyStorage:  make(map[types.Address]map[types.Hash]struct{}),
		dirtyCode:     make(map[types.Hash]struct{}),
		receipts:      make(map[int]types.Receipt),
	}
}

// Fork opens an isolated working view rooted at v's current state,
// for a scheduler wave task to run one transaction against in
// parallel with its wave-mates (§4.5, §9 "give each wave task an
// isolated working view"). Writes against the child never touch v
// until the caller merges them back with MergeFrom.
func (v *BlockView) Fork() *BlockView {
	child := newBlockView(v.ledger)
	child.base = v
	return child
}

// MergeFrom folds child's dirty accounts, storage and code onto v,
// and copies its recorded receipts. Callers (the scheduler) must call
// this for a wave's non-divergent tasks in original transaction order
// (§4.5 "merge... in original transaction order, not completion
// order"): MergeFrom itself does no reordering, it just replays one
// child's writes.
func (v *BlockView) MergeFrom(child *BlockView) {
	for a := range child.dirtyAccounts {
		v.WriteAccount(a, child.accounts[a])
	}
	for a, keys := range child.dirtyStorage {
		cells := child.storage[a]
		for k := range keys {
			v.WriteStorage(a, k, cells[k])
		}
	}
	for h := range child.dirtyCode {
		v.WriteCode(h, child.code[h])
	}
	for idx, r := range child.receipts {
		v.receipts[idx] = r
	}
}

// ReadAccount returns addr's current account, overlay first, falling
// through to the committed ledger, and finally to the zero-account
// view (§4.3: "get_account never errors on absence").
func (v *BlockView) ReadAccount(addr types.Address) (types.Account, error) {
	if a, ok := v.accounts[addr]; ok {
		return a.Clone(), nil
	}
	if v.base != nil {
		return v.base.ReadAccount(addr)
	}
	a, err := v.ledger.readCommittedAccount(addr)
	if err != nil {
		return types.Account{}, err
	}
	return a, nil
}

// WriteAccount overwrites addr's account in the overlay, journaling
// the prior overlay state (if any) so RevertTo can undo it.
func (v *BlockView) WriteAccount(addr types.Address, acct types.Account) {
	prev, had := v.accounts[addr]
	v.journal = append(v.journal, journalEntry{kind: journalAccount, addr: addr, had: had, acct: prev})
	v.accounts[addr] = acct.Clone()
	v.dirtyAccounts[addr] = struct{}{}
}

// ReadStorage returns a contract's storage cell, overlay first, then
// the committed ledger.
func (v *BlockView) ReadStorage(addr types.Address, key types.Hash) ([]byte, bool, error) {
	if cells, ok := v.storage[addr]; ok {
		if val, ok := cells[key]; ok {
			if len(val) == 0 {
				return nil, false, nil
			}
			return val, true, nil
		}
	}
	if v.base != nil {
		return v.base.ReadStorage(addr, key)
	}
	return v.ledger.readCommittedStorage(addr, key)
}

// WriteStorage sets a contract's storage cell in the overlay. A
// zero-length value models deletion (§3: "deleted when written to
// zero").
func (v *BlockView) WriteStorage(addr types.Address, key types.Hash, value []byte) {
	cells, ok := v.storage[addr]
	if !ok {
		cells = make(map[types.Hash][]byte)
		v.storage[addr] = cells
	}
	prev, had := cells[key]
	v.journal = append(v.journal, journalEntry{kind: journalStorage, addr: addr, key: key, had: had, val: prev})
	cells[key] = append([]byte{}, value...)

	dirty, ok := v.dirtyStorage[addr]
	if !ok {
		dirty = make(map[types.Hash]struct{})
		v.dirtyStorage[addr] = dirty
	}
	dirty[key] = struct{}{}
}

// ReadCode returns a content-addressed code blob, overlay first, then
// the committed ledger.
func (v *BlockView) ReadCode(codeHash types.Hash) ([]byte, bool, error) {
	if c, ok := v.code[codeHash]; ok {
		return c, true, nil
	}
	if v.base != nil {
		return v.base.ReadCode(codeHash)
	}
	return v.ledger.readCommittedCode(codeHash)
}

// WriteCode stores a new code blob. Code blobs are immutable and
// content-addressed (§3), so writing the same hash twice is a no-op in
// effect; WriteCode is therefore not journaled for revert — an
// orphaned blob left behind by a reverted deploy references nothing
// and costs nothing beyond the bytes themselves.
func (v *BlockView) WriteCode(codeHash types.Hash, code []byte) {
	v.code[codeHash] = append([]byte{}, code...)
	v.dirtyCode[codeHash] = struct{}{}
}

// Checkpoint returns a marker that RevertTo can later roll back to.
func (v *BlockView) Checkpoint() CheckpointId { return CheckpointId(len(v.journal)) }

// RevertTo undoes every account/storage write recorded since cp, in
// reverse order, restoring the overlay to its state at that point.
func (v *BlockView) RevertTo(cp CheckpointId) {
	for i := len(v.journal) - 1; i >= int(cp); i-- {
		e := v.journal[i]
		switch e.kind {
		case journalAccount:
			if e.had {
				v.accounts[e.addr] = e.acct
			} else {
				delete(v.accounts, e.addr)
				delete(v.dirtyAccounts, e.addr)
			}
		case journalStorage:
			cells := v.storage[e.addr]
			if e.had {
				cells[e.key] = e.val
			} else {
				delete(cells, e.key)
				delete(v.dirtyStorage[e.addr], e.key)
				if len(v.dirtyStorage[e.addr]) == 0 {
					delete(v.dirtyStorage, e.addr)
				}
			}
		}
	}
	v.journal = v.journal[:cp]
}

// RecordReceipt attaches a receipt at its original transaction index
// (§4.5: "Receipts are assigned indices in original order"). Called by
// the scheduler once a transaction's outcome is merged into the view,
// not by Ledger.ApplyTransaction itself, since only the scheduler
// knows the tx's position in the block's ordered list.
func (v *BlockView) RecordReceipt(txIndex int, r types.Receipt) {
	r.TxIndex = txIndex
	v.receipts[txIndex] = r
}

// OrderedReceipts returns every recorded receipt sorted by tx index.
func (v *BlockView) OrderedReceipts(txCount int) []types.Receipt {
	out := make([]types.Receipt, 0, txCount)
	for i := 0; i < txCount; i++ {
		if r, ok := v.receipts[i]; ok {
			out = append(out, r)
		}
	}
	return out
}

// DirtyAccountAddrs returns the set of addresses with overlay account
// writes — used by the scheduler to detect actual WW/RW conflicts a
// wave's declared sets failed to predict (§4.5).
func (v *BlockView) DirtyAccountAddrs() []types.Address {
	out := make([]types.Address, 0, len(v.dirtyAccounts))
	for a := range v.dirtyAccounts {
		out = append(out, a)
	}
	return out
}
