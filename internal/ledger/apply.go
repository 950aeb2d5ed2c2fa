package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/big"
	"sync/atomic"

	"aether-core/internal/coreerr"
	"aether-core/internal/vm"
	"aether-core/pkg/types"
)

// BlockContext carries the ambient block fields apply_transaction needs
// for execution_context (§4.4) but that don't belong on the
// Transaction itself: block height and timestamp, supplied once per
// block rather than once per tx.
type BlockContext struct {
	Height    uint64
	Timestamp int64
}

// deriveContractAddress computes a CREATE-style deterministic address
// for a contract_deploy tx, from the deployer and its pre-increment
// nonce (§6 doesn't mandate a derivation scheme; sha256(from‖nonce)
// truncated to 20 bytes is the simplest scheme consistent with the
// account model's 20-byte Address).
func deriveContractAddress(from types.Address, nonce uint64) types.Address {
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], nonce)
	buf := append(append([]byte{}, from[:]...), nb[:]...)
	h := sha256.Sum256(buf)
	return types.BytesToAddress(h[:20])
}

// ApplyTransaction runs one transaction against view, per §4.3's
// apply_transaction: validate signature and nonce, debit the up-front
// gas fee and bump the nonce (both retained even on later failure),
// checkpoint, dispatch by kind, and either refund unused gas on
// success or revert to the checkpoint (keeping nonce+fee) on failure.
//
// Ordering follows §8's literal scenarios: a signature or nonce
// failure mutates nothing; a fee-insufficient sender is untouched
// (nonce included); every other outcome retains the fee debit and
// nonce bump even when the transaction itself reverts.
func (l *Ledger) ApplyTransaction(view *BlockView, tx types.Transaction, blk BlockContext) (types.Receipt, error) {
	receipt := types.Receipt{TxHash: tx.Hash}

	if l.sigCheck != nil && !l.sigCheck.Verify(tx) {
		receipt.Status = types.StatusInvalidSignature
		atomic.AddUint64(&l.txApplied, 1)
		return receipt, nil
	}

	sender, err := view.ReadAccount(tx.From)
	if err != nil {
		return types.Receipt{}, err
	}
	if sender.Nonce != tx.Nonce {
		receipt.Status = types.StatusNonceMismatch
		atomic.AddUint64(&l.txApplied, 1)
		return receipt, nil
	}

	fee := new(big.Int).Mul(new(big.Int).SetUint64(tx.GasLimit), new(big.Int).SetUint64(tx.GasPrice))
	if sender.Balance == nil || sender.Balance.Cmp(fee) < 0 {
		receipt.Status = types.StatusInsufficientBalanceForFee
		atomic.AddUint64(&l.txApplied, 1)
		return receipt, nil
	}

	// Past this point fee + nonce are never rolled back (§4.3 revert
	// semantics, §8 scenario 2's second case).
	sender.Balance = new(big.Int).Sub(sender.Balance, fee)
	sender.Nonce++
	view.WriteAccount(tx.From, sender)

	cp := view.Checkpoint()

	switch tx.Kind {
	case types.TxTransfer:
		l.applyTransfer(view, tx, &receipt)
	case types.TxContractDeploy:
		if err := l.applyDeploy(view, tx, blk, &receipt); err != nil {
			return types.Receipt{}, err
		}
	case types.TxContractCall, types.TxSystem:
		if err := l.applyCall(view, tx, blk, &receipt); err != nil {
			return types.Receipt{}, err
		}
	default:
		receipt.Status = types.StatusVMTrapped
		receipt.GasUsed = tx.GasLimit
	}

	if !receipt.Status.Ok() {
		view.RevertTo(cp)
	}

	atomic.AddUint64(&l.txApplied, 1)
	return receipt, nil
}

// applyTransfer handles a plain value transfer directly against the
// ledger, without VM dispatch (§4.3: transfers are a built-in
// operation). gas_used is always the full gas_limit — §8 scenario 1
// reports gas_used == gas_limit for a successful transfer, so no
// refund path applies here.
func (l *Ledger) applyTransfer(view *BlockView, tx types.Transaction, receipt *types.Receipt) {
	receipt.GasUsed = tx.GasLimit

	sender, err := view.ReadAccount(tx.From)
	if err != nil {
		receipt.Status = types.StatusVMTrapped
		return
	}
	amt := new(big.Int).SetUint64(tx.Value)
	if sender.Balance.Cmp(amt) < 0 {
		receipt.Status = types.StatusInsufficientBalance
		return
	}
	recipient, err := view.ReadAccount(tx.To)
	if err != nil {
		receipt.Status = types.StatusVMTrapped
		return
	}
	sender.Balance = new(big.Int).Sub(sender.Balance, amt)
	recipient.Balance = new(big.Int).Add(recipient.Balance, amt)
	view.WriteAccount(tx.From, sender)
	view.WriteAccount(tx.To, recipient)
	receipt.Status = types.StatusSuccess
}

// applyDeploy stores tx.Input as a new contract's code at a derived
// address and initializes its account. The constructor is not
// executed: the spec does not define constructor-argument framing, so
// deploy is deliberately limited to "store code, create account" —
// enough for a subsequent contract_call to exercise it.
func (l *Ledger) applyDeploy(view *BlockView, tx types.Transaction, blk BlockContext, receipt *types.Receipt) error {
	if len(tx.Input) == 0 {
		receipt.Status = types.StatusVMTrapped
		receipt.GasUsed = tx.GasLimit
		return nil
	}
	codeHash := sha256.Sum256(tx.Input)
	view.WriteCode(codeHash, tx.Input)

	addr := deriveContractAddress(tx.From, tx.Nonce)
	acct, err := view.ReadAccount(addr)
	if err != nil {
		return err
	}
	acct.CodeHash = codeHash
	view.WriteAccount(addr, acct)

	receipt.Status = types.StatusSuccess
	receipt.GasUsed = tx.GasLimit
	receipt.Output = addr.Bytes()
	return nil
}

// applyCall dispatches to the VM against the code stored at tx.To
// (§4.4). A target with no code is a revert rather than a VM
// invocation: there is nothing to execute.
func (l *Ledger) applyCall(view *BlockView, tx types.Transaction, blk BlockContext, receipt *types.Receipt) error {
	target, err := view.ReadAccount(tx.To)
	if err != nil {
		return err
	}
	if target.CodeHash.IsZero() {
		receipt.Status = types.StatusVMTrapped
		receipt.GasUsed = tx.GasLimit
		return nil
	}
	code, found, err := view.ReadCode(target.CodeHash)
	if err != nil {
		return err
	}
	if !found {
		receipt.Status = types.StatusVMTrapped
		receipt.GasUsed = tx.GasLimit
		return nil
	}

	ectx := vm.ExecutionContext{
		Caller:      tx.From,
		Address:     tx.To,
		BlockNumber: blk.Height,
		Timestamp:   blk.Timestamp,
		GasLimit:    tx.GasLimit,
		GasPrice:    tx.GasPrice,
		Value:       tx.Value,
	}
	host := newViewHostState(view)

	result, err := l.executor.Execute(ectx, code, tx.Input, host)
	if err != nil {
		// Compile/instantiate/missing-export failures surface from the
		// vm package as coreerr.Revertable, i.e. transaction-local: the
		// fee and nonce already committed above stand, the tx reverts.
		if coreerr.KindOf(err) != coreerr.KindRevertable {
			return err
		}
		receipt.Status = types.StatusVMTrapped
		receipt.GasUsed = tx.GasLimit
		return nil
	}

	if !result.Success {
		switch {
		case result.GasUsed >= tx.GasLimit:
			receipt.Status = types.StatusOutOfGas
		case errors.Is(result.FailureReason, coreerr.ErrHostCallFailed):
			receipt.Status = types.StatusHostCallFailed
		default:
			receipt.Status = types.StatusVMTrapped
		}
		// §4.3: a reverted tx still consumes its full gas_limit, the fee
		// already charged up front, regardless of actual fuel spent.
		receipt.GasUsed = tx.GasLimit
		return nil
	}

	refund := new(big.Int).Mul(
		new(big.Int).SetUint64(tx.GasLimit-result.GasUsed),
		new(big.Int).SetUint64(tx.GasPrice),
	)
	if refund.Sign() > 0 {
		sender, err := view.ReadAccount(tx.From)
		if err != nil {
			return err
		}
		sender.Balance = new(big.Int).Add(sender.Balance, refund)
		view.WriteAccount(tx.From, sender)
	}

	receipt.Status = types.StatusSuccess
	receipt.GasUsed = result.GasUsed
	receipt.Output = result.Output
	receipt.Logs = result.Logs
	return nil
}
