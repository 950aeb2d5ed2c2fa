// Package vm implements the deterministic, sandboxed, gas-metered
// execution engine from spec §4.4: contract bytecode runs inside a
// wasmer-go instance, fuel is decremented per host call and per
// instruction-proxy, and every side effect flows through a
// capability-limited HostState onto the caller's BlockView.
package vm

import "aether-core/pkg/types"

// ExecutionContext carries everything about the surrounding block and
// call that a contract's code may observe (§4.4).
type ExecutionContext struct {
	Caller       types.Address
	Address      types.Address // the contract currently executing
	BlockNumber  uint64
	Timestamp    int64
	GasLimit     uint64
	GasPrice     uint64
	Value        uint64
	InstanceMemoryCeiling uint32 // bytes
	StackDepthCeiling     uint32
}

// Result is what Execute returns: success flag, fuel actually consumed,
// raw output bytes, and any logs emitted via emit_log.
type Result struct {
	Success bool
	GasUsed uint64
	Output  []byte
	Logs    []types.Log

	// FailureReason classifies a failed (Success == false) execution for
	// the caller's receipt status taxonomy (§7): wraps coreerr.ErrHostCallFailed
	// when a host call itself errored, wraps coreerr.ErrOutOfGas when fuel
	// ran out while charging a host call, and is nil for a plain wasm trap
	// or for fuel exhaustion on the up-front instruction charge.
	FailureReason error
}

// HostState is the capability-limited surface a running contract can
// reach (§4.4 "Host interface"). Implementations MUST read and write
// through the caller's BlockView so every effect participates in
// per-tx revert; they must never block or touch a wall clock.
type HostState interface {
	StorageRead(contract types.Address, key types.Hash) ([]byte, bool, error)
	StorageWrite(contract types.Address, key types.Hash, value []byte) error
	GetBalance(addr types.Address) (uint64, error)
	Transfer(from, to types.Address, amount uint64) (ok bool, err error)
	EmitLog(address types.Address, topics [][]byte, data []byte)
}

// Executor is the polymorphic VM capability (§9 "Polymorphism"): the
// Ledger dispatches to it without knowing the concrete bytecode
// backend. A fresh Executor-bound run is created per transaction; it
// owns no persistent state across calls.
type Executor interface {
	Execute(ectx ExecutionContext, code []byte, input []byte, host HostState) (Result, error)
}
