package ledger

import (
	"math/big"
	"testing"

	"aether-core/internal/kvs"
	"aether-core/internal/trie"
	"aether-core/pkg/types"
)

func newEmptyView(t *testing.T) *BlockView {
	t.Helper()
	db, err := kvs.Open(t.TempDir())
	if err != nil {
		t.Fatalf("kvs.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	l := Open(db, nil, nil, 0, trie.EmptyRoot())
	return l.NewBlockView()
}

func TestBlockView_AccountRevert(t *testing.T) {
	v := newEmptyView(t)
	a := addr(7)

	cp := v.Checkpoint()
	v.WriteAccount(a, types.Account{Balance: big.NewInt(100)})
	got, err := v.ReadAccount(a)
	if err != nil {
		t.Fatalf("ReadAccount: %v", err)
	}
	if got.Balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance = %s, want 100", got.Balance)
	}

	v.RevertTo(cp)
	got, err = v.ReadAccount(a)
	if err != nil {
		t.Fatalf("ReadAccount after revert: %v", err)
	}
	if got.Balance.Sign() != 0 {
		t.Fatalf("balance after revert = %s, want 0 (account never existed)", got.Balance)
	}
}

func TestBlockView_NestedCheckpoints(t *testing.T) {
	v := newEmptyView(t)
	a := addr(7)

	v.WriteAccount(a, types.Account{Balance: big.NewInt(100)})
	cp1 := v.Checkpoint()
	v.WriteAccount(a, types.Account{Balance: big.NewInt(200)})
	cp2 := v.Checkpoint()
	v.WriteAccount(a, types.Account{Balance: big.NewInt(300)})

	v.RevertTo(cp2)
	got, _ := v.ReadAccount(a)
	if got.Balance.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("after RevertTo(cp2) balance = %s, want 200", got.Balance)
	}

	v.RevertTo(cp1)
	got, _ = v.ReadAccount(a)
	if got.Balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("after RevertTo(cp1) balance = %s, want 100", got.Balance)
	}
}

func TestBlockView_StorageDeletionAndRevert(t *testing.T) {
	v := newEmptyView(t)
	a := addr(9)
	var key types.Hash
	key[31] = 1

	v.WriteStorage(a, key, []byte("value"))
	val, ok, err := v.ReadStorage(a, key)
	if err != nil || !ok || string(val) != "value" {
		t.Fatalf("ReadStorage = (%v, %v, %v), want (value, true, nil)", val, ok, err)
	}

	cp := v.Checkpoint()
	v.WriteStorage(a, key, nil) // zero-length value deletes, §3
	_, ok, err = v.ReadStorage(a, key)
	if err != nil || ok {
		t.Fatalf("ReadStorage after delete = (_, %v, %v), want (_, false, nil)", ok, err)
	}

	v.RevertTo(cp)
	val, ok, err = v.ReadStorage(a, key)
	if err != nil || !ok || string(val) != "value" {
		t.Fatalf("ReadStorage after revert = (%v, %v, %v), want (value, true, nil)", val, ok, err)
	}
}

func TestBlockView_OrderedReceipts(t *testing.T) {
	v := newEmptyView(t)
	v.RecordReceipt(2, types.Receipt{Status: types.StatusSuccess})
	v.RecordReceipt(0, types.Receipt{Status: types.StatusOutOfGas})
	// index 1 intentionally left unrecorded.

	got := v.OrderedReceipts(3)
	if len(got) != 2 {
		t.Fatalf("len(OrderedReceipts) = %d, want 2", len(got))
	}
	if got[0].TxIndex != 0 || got[0].Status != types.StatusOutOfGas {
		t.Fatalf("got[0] = %+v, want TxIndex=0 status=out_of_gas", got[0])
	}
	if got[1].TxIndex != 2 || got[1].Status != types.StatusSuccess {
		t.Fatalf("got[1] = %+v, want TxIndex=2 status=success", got[1])
	}
}
