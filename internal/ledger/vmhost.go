package ledger

import (
	"math/big"

	"aether-core/pkg/types"
)

// viewHostState adapts one BlockView into vm.HostState for a single
// contract invocation (§4.4): every storage read/write and balance
// mutation flows through the view's overlay, so a VM-side revert
// undoes cleanly via BlockView.RevertTo without the vm package ever
// touching the KVS or trie directly.
//
// HostState exposes balances as uint64 even though Account.Balance is
// a *big.Int; contract-visible balances are assumed to fit in 64 bits,
// a deliberate narrowing the VM's wasm ABI doesn't need u128 support
// for.
type viewHostState struct {
	view *BlockView
}

func newViewHostState(view *BlockView) *viewHostState {
	return &viewHostState{view: view}
}

func (h *viewHostState) StorageRead(contract types.Address, key types.Hash) ([]byte, bool, error) {
	return h.view.ReadStorage(contract, key)
}

func (h *viewHostState) StorageWrite(contract types.Address, key types.Hash, value []byte) error {
	h.view.WriteStorage(contract, key, value)
	return nil
}

func (h *viewHostState) GetBalance(addr types.Address) (uint64, error) {
	a, err := h.view.ReadAccount(addr)
	if err != nil {
		return 0, err
	}
	if a.Balance == nil {
		return 0, nil
	}
	return a.Balance.Uint64(), nil
}

// Transfer moves amount from `from` to `to` within the overlay,
// returning ok=false (not an error) on insufficient balance — §4.4
// treats this as a normal host-call outcome the contract can branch on.
func (h *viewHostState) Transfer(from, to types.Address, amount uint64) (bool, error) {
	fromAcct, err := h.view.ReadAccount(from)
	if err != nil {
		return false, err
	}
	amt := new(big.Int).SetUint64(amount)
	if fromAcct.Balance == nil || fromAcct.Balance.Cmp(amt) < 0 {
		return false, nil
	}
	toAcct, err := h.view.ReadAccount(to)
	if err != nil {
		return false, err
	}
	fromAcct.Balance = new(big.Int).Sub(fromAcct.Balance, amt)
	toAcct.Balance = new(big.Int).Add(toAcct.Balance, amt)
	h.view.WriteAccount(from, fromAcct)
	h.view.WriteAccount(to, toAcct)
	return true, nil
}

// EmitLog is a no-op here: vm.WasmerExecutor already accumulates logs
// onto its Result, which apply_transaction copies into the receipt.
func (h *viewHostState) EmitLog(address types.Address, topics [][]byte, data []byte) {}
