package ledger

import (
	"math/big"
	"testing"

	"aether-core/internal/kvs"
	"aether-core/internal/trie"
	"aether-core/internal/vm"
	"aether-core/pkg/types"
)

func newTestLedger(t *testing.T, executor vm.Executor) *Ledger {
	t.Helper()
	db, err := kvs.Open(t.TempDir())
	if err != nil {
		t.Fatalf("kvs.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return Open(db, executor, nil, 0, trie.EmptyRoot())
}

func addr(b byte) types.Address {
	var a types.Address
	a[len(a)-1] = b
	return a
}

func seedAccount(t *testing.T, l *Ledger, a types.Address, balance int64) {
	t.Helper()
	view := l.NewBlockView()
	view.WriteAccount(a, types.Account{Balance: big.NewInt(balance)})
	if _, _, err := l.Commit(view, types.BlockHeader{Height: 1}, 0); err != nil {
		t.Fatalf("seed commit: %v", err)
	}
}

// §8 scenario 1: simple transfer.
func TestApplyTransaction_SimpleTransfer(t *testing.T) {
	l := newTestLedger(t, nil)
	a, b := addr(1), addr(2)
	seedAccount(t, l, a, 1_000_000)

	tx := types.Transaction{
		Kind: types.TxTransfer, From: a, To: b,
		Value: 300, Nonce: 0, GasLimit: 21000, GasPrice: 1,
	}

	view := l.NewBlockView()
	receipt, err := l.ApplyTransaction(view, tx, BlockContext{Height: 2})
	if err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}
	if receipt.Status != types.StatusSuccess {
		t.Fatalf("status = %v, want success", receipt.Status)
	}
	if receipt.GasUsed != 21000 {
		t.Fatalf("gas_used = %d, want 21000", receipt.GasUsed)
	}
	view.RecordReceipt(0, receipt)
	if _, _, err := l.Commit(view, types.BlockHeader{Height: 2}, 1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	accA, err := l.GetAccount(a)
	if err != nil {
		t.Fatalf("GetAccount(a): %v", err)
	}
	if accA.Balance.Cmp(big.NewInt(978_700)) != 0 {
		t.Fatalf("A.balance = %s, want 978700", accA.Balance)
	}
	if accA.Nonce != 1 {
		t.Fatalf("A.nonce = %d, want 1", accA.Nonce)
	}
	accB, err := l.GetAccount(b)
	if err != nil {
		t.Fatalf("GetAccount(b): %v", err)
	}
	if accB.Balance.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("B.balance = %s, want 300", accB.Balance)
	}
}

// §8 scenario 2, first case: fee itself exceeds balance, nothing commits.
func TestApplyTransaction_InsufficientBalanceForFee(t *testing.T) {
	l := newTestLedger(t, nil)
	a, b := addr(1), addr(2)
	seedAccount(t, l, a, 100)

	tx := types.Transaction{
		Kind: types.TxTransfer, From: a, To: b,
		Value: 200, Nonce: 0, GasLimit: 21000, GasPrice: 1,
	}

	view := l.NewBlockView()
	receipt, err := l.ApplyTransaction(view, tx, BlockContext{Height: 2})
	if err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}
	if receipt.Status != types.StatusInsufficientBalanceForFee {
		t.Fatalf("status = %v, want insufficient_balance_for_fee", receipt.Status)
	}

	accA, err := view.ReadAccount(a)
	if err != nil {
		t.Fatalf("ReadAccount: %v", err)
	}
	if accA.Nonce != 0 {
		t.Fatalf("A.nonce = %d, want 0 (unchanged)", accA.Nonce)
	}
	if accA.Balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("A.balance = %s, want 100 (unchanged)", accA.Balance)
	}
}

// §8 scenario 2, second case: fee affordable, value transfer is not —
// fee and nonce still commit.
func TestApplyTransaction_InsufficientBalanceForValue(t *testing.T) {
	l := newTestLedger(t, nil)
	a, b := addr(1), addr(2)
	seedAccount(t, l, a, 21_100)

	tx := types.Transaction{
		Kind: types.TxTransfer, From: a, To: b,
		Value: 200, Nonce: 0, GasLimit: 21000, GasPrice: 1,
	}

	view := l.NewBlockView()
	receipt, err := l.ApplyTransaction(view, tx, BlockContext{Height: 2})
	if err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}
	if receipt.Status != types.StatusInsufficientBalance {
		t.Fatalf("status = %v, want insufficient_balance", receipt.Status)
	}

	accA, err := view.ReadAccount(a)
	if err != nil {
		t.Fatalf("ReadAccount: %v", err)
	}
	if accA.Nonce != 1 {
		t.Fatalf("A.nonce = %d, want 1", accA.Nonce)
	}
	if accA.Balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("A.balance = %s, want 100", accA.Balance)
	}
}

// stubOutOfGasExecutor simulates a contract that exhausts its fuel: it
// always reports a failed Result with GasUsed pinned to the caller's
// gas_limit, exactly as vm.Meter behaves on exhaustion.
type stubOutOfGasExecutor struct{}

func (stubOutOfGasExecutor) Execute(ectx vm.ExecutionContext, code, input []byte, host vm.HostState) (vm.Result, error) {
	return vm.Result{Success: false, GasUsed: ectx.GasLimit}, nil
}

// §8 scenario 3: out of gas.
func TestApplyTransaction_OutOfGas(t *testing.T) {
	l := newTestLedger(t, stubOutOfGasExecutor{})
	caller, contract := addr(1), addr(3)
	seedAccount(t, l, caller, 1_000_000)

	// Deploy trivial code so the call target has a non-zero code hash.
	deployTx := types.Transaction{
		Kind: types.TxContractDeploy, From: caller,
		Nonce: 0, GasLimit: 21000, GasPrice: 1, Input: []byte{0x00},
	}
	view := l.NewBlockView()
	deployReceipt, err := l.ApplyTransaction(view, deployTx, BlockContext{Height: 2})
	if err != nil {
		t.Fatalf("deploy ApplyTransaction: %v", err)
	}
	if deployReceipt.Status != types.StatusSuccess {
		t.Fatalf("deploy status = %v, want success", deployReceipt.Status)
	}
	view.RecordReceipt(0, deployReceipt)
	if _, _, err := l.Commit(view, types.BlockHeader{Height: 2}, 1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	contractAddr := types.BytesToAddress(deployReceipt.Output)
	_ = contract

	callTx := types.Transaction{
		Kind: types.TxContractCall, From: caller, To: contractAddr,
		Nonce: 1, GasLimit: 50_000, GasPrice: 1,
	}
	view2 := l.NewBlockView()
	receipt, err := l.ApplyTransaction(view2, callTx, BlockContext{Height: 3})
	if err != nil {
		t.Fatalf("call ApplyTransaction: %v", err)
	}
	if receipt.Status != types.StatusOutOfGas {
		t.Fatalf("status = %v, want out_of_gas", receipt.Status)
	}
	if receipt.GasUsed != 50_000 {
		t.Fatalf("gas_used = %d, want 50000", receipt.GasUsed)
	}

	accCaller, err := view2.ReadAccount(caller)
	if err != nil {
		t.Fatalf("ReadAccount: %v", err)
	}
	if accCaller.Nonce != 2 {
		t.Fatalf("caller.nonce = %d, want 2", accCaller.Nonce)
	}
	want := big.NewInt(1_000_000 - 21000 - 50_000)
	if accCaller.Balance.Cmp(want) != 0 {
		t.Fatalf("caller.balance = %s, want %s", accCaller.Balance, want)
	}
}

// Conservation under pure transfers (§8 invariant 5): total balance
// plus fees paid equals the pre-state total.
func TestApplyTransaction_ConservationUnderTransfers(t *testing.T) {
	l := newTestLedger(t, nil)
	a, b := addr(1), addr(2)
	seedAccount(t, l, a, 500_000)

	tx := types.Transaction{
		Kind: types.TxTransfer, From: a, To: b,
		Value: 1000, Nonce: 0, GasLimit: 21000, GasPrice: 2,
	}
	view := l.NewBlockView()
	receipt, err := l.ApplyTransaction(view, tx, BlockContext{Height: 2})
	if err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}
	view.RecordReceipt(0, receipt)
	if _, _, err := l.Commit(view, types.BlockHeader{Height: 2}, 1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	accA, _ := l.GetAccount(a)
	accB, _ := l.GetAccount(b)
	fee := new(big.Int).SetUint64(21000 * 2)
	total := new(big.Int).Add(accA.Balance, accB.Balance)
	total.Add(total, fee)
	if total.Cmp(big.NewInt(500_000)) != 0 {
		t.Fatalf("conservation violated: total+fee = %s, want 500000", total)
	}
}
