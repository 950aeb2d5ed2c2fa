package vm

import (
	"testing"

	"github.com/wasmerio/wasmer-go/wasmer"

	"aether-core/pkg/types"
)

// fakeHost is a minimal HostState for exercising Execute without a real
// ledger BlockView.
type fakeHost struct {
	storage map[types.Hash][]byte
	balance uint64
	logs    []types.Log
}

func newFakeHost() *fakeHost {
	return &fakeHost{storage: make(map[types.Hash][]byte)}
}

func (h *fakeHost) StorageRead(_ types.Address, key types.Hash) ([]byte, bool, error) {
	v, ok := h.storage[key]
	return v, ok, nil
}

func (h *fakeHost) StorageWrite(_ types.Address, key types.Hash, value []byte) error {
	h.storage[key] = append([]byte{}, value...)
	return nil
}

func (h *fakeHost) GetBalance(types.Address) (uint64, error) { return h.balance, nil }

func (h *fakeHost) Transfer(_, _ types.Address, amount uint64) (bool, error) {
	if amount > h.balance {
		return false, nil
	}
	h.balance -= amount
	return true, nil
}

func (h *fakeHost) EmitLog(address types.Address, topics [][]byte, data []byte) {
	h.logs = append(h.logs, types.Log{Address: address, Topics: topics, Data: data})
}

func mustWat2Wasm(t *testing.T, wat string) []byte {
	t.Helper()
	bytes, err := wasmer.Wat2Wasm(wat)
	if err != nil {
		t.Fatalf("Wat2Wasm: %v", err)
	}
	return bytes
}

func TestExecute_TrivialSuccess(t *testing.T) {
	wasm := mustWat2Wasm(t, `
		(module
		  (memory (export "memory") 1)
		  (func (export "_start") (param i32) (result i32)
		    i32.const 0))
	`)

	exec := NewWasmerExecutor()
	ectx := ExecutionContext{GasLimit: 1_000_000}
	res, err := exec.Execute(ectx, wasm, nil, newFakeHost())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.GasUsed == 0 {
		t.Fatalf("expected nonzero gas used for instruction proxy")
	}
}

func TestExecute_EmitLogReachesResult(t *testing.T) {
	wasm := mustWat2Wasm(t, `
		(module
		  (import "env" "host_emit_log" (func $emit (param i32 i32) (result i32)))
		  (memory (export "memory") 1)
		  (data (i32.const 100) "hello")
		  (func (export "_start") (param i32) (result i32)
		    (drop (call $emit (i32.const 100) (i32.const 5)))
		    i32.const 0))
	`)

	exec := NewWasmerExecutor()
	host := newFakeHost()
	ectx := ExecutionContext{GasLimit: 1_000_000}
	res, err := exec.Execute(ectx, wasm, nil, host)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(res.Logs) != 1 || string(res.Logs[0].Data) != "hello" {
		t.Fatalf("logs = %+v, want one log with data %q", res.Logs, "hello")
	}
	if len(host.logs) != 1 {
		t.Fatalf("host.EmitLog not called exactly once")
	}
}

func TestExecute_InstructionFuelExhaustionIsNotAGoError(t *testing.T) {
	wasm := mustWat2Wasm(t, `
		(module
		  (memory (export "memory") 1)
		  (func (export "_start") (param i32) (result i32)
		    i32.const 0))
	`)

	exec := NewWasmerExecutor()
	ectx := ExecutionContext{GasLimit: 1} // far below BaseCallFuel
	res, err := exec.Execute(ectx, wasm, nil, newFakeHost())
	if err != nil {
		t.Fatalf("Execute returned a Go error for fuel exhaustion: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure on fuel exhaustion")
	}
	if res.GasUsed != 1 {
		t.Fatalf("GasUsed = %d, want the full 1-fuel ceiling pinned", res.GasUsed)
	}
}

func TestExecute_StorageReadWriteRoundTrip(t *testing.T) {
	wasm := mustWat2Wasm(t, `
		(module
		  (import "env" "host_storage_write" (func $write (param i32 i32 i32) (result i32)))
		  (import "env" "host_storage_read" (func $read (param i32 i32) (result i32)))
		  (memory (export "memory") 1)
		  (data (i32.const 0) "\00\00\00\00\00\00\00\00\00\00\00\00\00\00\00\00\00\00\00\00\00\00\00\00\00\00\00\00\00\00\00\00")
		  (data (i32.const 200) "value123")
		  (func (export "_start") (param i32) (result i32)
		    (drop (call $write (i32.const 0) (i32.const 200) (i32.const 8)))
		    (drop (call $read (i32.const 0) (i32.const 300)))
		    i32.const 0))
	`)

	exec := NewWasmerExecutor()
	host := newFakeHost()
	ectx := ExecutionContext{GasLimit: 1_000_000}
	res, err := exec.Execute(ectx, wasm, nil, host)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	var key types.Hash
	stored, ok := host.storage[key]
	if !ok || string(stored) != "value123" {
		t.Fatalf("storage[zero key] = %q, ok=%v, want %q", stored, ok, "value123")
	}
}
