package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"

	"aether-core/internal/coreerr"
	"aether-core/pkg/types"
)

var log = logrus.WithField("component", "vm")

// WasmerExecutor runs contract bytecode as a wasmer-go module. One
// instance is created per transaction (§9: "the VM is instantiated
// fresh per tx"); it holds no state across Execute calls.
type WasmerExecutor struct {
	engine *wasmer.Engine
}

// NewWasmerExecutor builds an Executor backed by a fresh wasmer engine.
// wasmer-go has no documented cross-instance caching win worth the
// shared-state risk here, so each Executor gets its own engine.
func NewWasmerExecutor() *WasmerExecutor {
	return &WasmerExecutor{engine: wasmer.NewEngine()}
}

// hostCtx is the closure state every registered host function needs:
// the fuel meter, the execution context, the HostState it dispatches
// to, and the running result it accumulates (logs, revert flag).
type hostCtx struct {
	mem    *wasmer.Memory
	host   HostState
	ectx   ExecutionContext
	meter  *Meter
	result *Result
	err    error
}

func (h *hostCtx) read(ptr, ln int32) []byte {
	if ln <= 0 {
		return nil
	}
	data := h.mem.Data()
	out := make([]byte, ln)
	copy(out, data[ptr:ptr+ln])
	return out
}

func (h *hostCtx) write(ptr int32, data []byte) {
	copy(h.mem.Data()[ptr:], data)
}

func (h *hostCtx) charge(call HostCall) bool {
	if !h.meter.ChargeHostCall(call) {
		h.err = coreerr.Revertable("vm.hostcall", fmt.Errorf("%w: %s", coreerr.ErrOutOfGas, call))
		return false
	}
	return true
}

// Execute runs code's "_start" export against ectx and input, metering
// fuel per §4.4: a fixed instruction-proxy charge up front, then a
// per-host-call charge before every capability dispatch. Fuel
// exhaustion, a host-call failure, or a trap surfaces as a failed Result
// rather than a Go error — callers (the ledger) translate that into a
// revert receipt. A module that cannot be compiled or instantiated, or
// that lacks a "memory" or "_start" export, returns a non-nil error
// classified coreerr.KindRevertable.
func (e *WasmerExecutor) Execute(ectx ExecutionContext, code []byte, input []byte, host HostState) (Result, error) {
	meter := NewMeter(ectx.GasLimit)
	result := &Result{}

	if !meter.Consume(InstructionFuel(len(code))) {
		result.GasUsed = meter.Used()
		return *result, nil
	}

	store := wasmer.NewStore(e.engine)
	module, err := wasmer.NewModule(store, code)
	if err != nil {
		return Result{}, coreerr.Revertable("vm.compile", fmt.Errorf("%w: %v", coreerr.ErrVMTrapped, err))
	}

	hctx := &hostCtx{host: host, ectx: ectx, meter: meter, result: result}
	imports := registerHost(store, hctx)

	instance, err := wasmer.NewInstance(module, imports)
	if err != nil {
		return Result{}, coreerr.Revertable("vm.instantiate", fmt.Errorf("%w: %v", coreerr.ErrVMTrapped, err))
	}
	defer instance.Close()

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return Result{}, coreerr.Revertable("vm.memory", fmt.Errorf("%w: missing memory export", coreerr.ErrVMTrapped))
	}
	hctx.mem = mem
	hctx.write(0, input)

	start, err := instance.Exports.GetFunction("_start")
	if err != nil {
		return Result{}, coreerr.Revertable("vm.entrypoint", fmt.Errorf("%w: missing _start export", coreerr.ErrVMTrapped))
	}

	ret, trapErr := start(int32(len(input)))
	result.GasUsed = meter.Used()

	if hctx.err != nil {
		// Out-of-gas (or another host-side revert) during a host call:
		// the caller sees a failed Result, not a Go error, so normal
		// ledger revert handling (not a fatal escalation) applies.
		log.WithFields(logrus.Fields{"height": ectx.BlockNumber, "gas_used": result.GasUsed}).Warn("vm host call failed")
		result.FailureReason = hctx.err
		return *result, nil
	}
	if trapErr != nil {
		log.WithFields(logrus.Fields{"height": ectx.BlockNumber}).Warn("vm trapped")
		return *result, nil
	}

	result.Success = true
	if outLen, ok := ret.(int32); ok && outLen > 0 {
		result.Output = hctx.read(0, outLen)
	}
	return *result, nil
}

// i32Type builds a function signature of n i32 params and m i32
// results, the shape every host call in this file uses except the
// block-number and timestamp accessors, which return an i64. Follows the
// teacher's registerHost pattern of wrapping each ValueKind via
// wasmer.ValueKind(wasmer.I32) rather than a higher-level helper, since
// that is the form proven against this wasmer-go version.
func i32Type(params, results int) *wasmer.FunctionType {
	p := make([]wasmer.ValueKind, params)
	for i := range p {
		p[i] = wasmer.ValueKind(wasmer.I32)
	}
	r := make([]wasmer.ValueKind, results)
	for i := range r {
		r[i] = wasmer.ValueKind(wasmer.I32)
	}
	return wasmer.NewFunctionType(wasmer.NewValueTypes(p...), wasmer.NewValueTypes(r...))
}

// registerHost wires the capability-limited host interface (§4.4) as
// "env"-namespaced wasm imports, mirroring the teacher's registerHost
// but extended from its 4-function toy surface to the full capability
// set: storage_read/write, get_balance, transfer, emit_log, and the
// four context accessors.
func registerHost(store *wasmer.Store, h *hostCtx) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	hostStorageRead := wasmer.NewFunction(store, i32Type(2, 1), func(args []wasmer.Value) ([]wasmer.Value, error) {
		if !h.charge(HostStorageRead) {
			return []wasmer.Value{wasmer.NewI32(-1)}, nil
		}
		keyPtr, dstPtr := args[0].I32(), args[1].I32()
		key := types.BytesToHash(h.read(keyPtr, 32))
		val, found, err := h.host.StorageRead(h.ectx.Address, key)
		if err != nil {
			h.err = fmt.Errorf("%w: %v", coreerr.ErrHostCallFailed, err)
			return []wasmer.Value{wasmer.NewI32(-1)}, nil
		}
		if !found {
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		}
		h.write(dstPtr, val)
		return []wasmer.Value{wasmer.NewI32(int32(len(val)))}, nil
	})

	hostStorageWrite := wasmer.NewFunction(store, i32Type(3, 1), func(args []wasmer.Value) ([]wasmer.Value, error) {
		if !h.charge(HostStorageWrite) {
			return []wasmer.Value{wasmer.NewI32(-1)}, nil
		}
		keyPtr, valPtr, valLen := args[0].I32(), args[1].I32(), args[2].I32()
		key := types.BytesToHash(h.read(keyPtr, 32))
		val := h.read(valPtr, valLen)
		if err := h.host.StorageWrite(h.ectx.Address, key, val); err != nil {
			h.err = fmt.Errorf("%w: %v", coreerr.ErrHostCallFailed, err)
			return []wasmer.Value{wasmer.NewI32(-1)}, nil
		}
		return []wasmer.Value{wasmer.NewI32(0)}, nil
	})

	hostGetBalance := wasmer.NewFunction(store, i32Type(2, 1), func(args []wasmer.Value) ([]wasmer.Value, error) {
		if !h.charge(HostGetBalance) {
			return []wasmer.Value{wasmer.NewI32(-1)}, nil
		}
		addrPtr, dstPtr := args[0].I32(), args[1].I32()
		addr := types.BytesToAddress(h.read(addrPtr, 20))
		bal, err := h.host.GetBalance(addr)
		if err != nil {
			h.err = fmt.Errorf("%w: %v", coreerr.ErrHostCallFailed, err)
			return []wasmer.Value{wasmer.NewI32(-1)}, nil
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], bal)
		h.write(dstPtr, buf[:])
		return []wasmer.Value{wasmer.NewI32(0)}, nil
	})

	hostTransfer := wasmer.NewFunction(store, i32Type(3, 1), func(args []wasmer.Value) ([]wasmer.Value, error) {
		if !h.charge(HostTransfer) {
			return []wasmer.Value{wasmer.NewI32(-1)}, nil
		}
		toPtr, amtPtr := args[0].I32(), args[1].I32()
		_ = args[2] // reserved, amount is read as 8 bytes at amtPtr
		to := types.BytesToAddress(h.read(toPtr, 20))
		amount := binary.BigEndian.Uint64(h.read(amtPtr, 8))
		ok, err := h.host.Transfer(h.ectx.Address, to, amount)
		if err != nil {
			h.err = fmt.Errorf("%w: %v", coreerr.ErrHostCallFailed, err)
			return []wasmer.Value{wasmer.NewI32(-1)}, nil
		}
		if !ok {
			// Insufficient balance is a normal return, not a revert (§4.4).
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		}
		return []wasmer.Value{wasmer.NewI32(1)}, nil
	})

	hostEmitLog := wasmer.NewFunction(store, i32Type(2, 1), func(args []wasmer.Value) ([]wasmer.Value, error) {
		if !h.charge(HostEmitLog) {
			return []wasmer.Value{wasmer.NewI32(-1)}, nil
		}
		dataPtr, dataLen := args[0].I32(), args[1].I32()
		data := h.read(dataPtr, dataLen)
		h.host.EmitLog(h.ectx.Address, nil, data)
		h.result.Logs = append(h.result.Logs, types.Log{Address: h.ectx.Address, Data: data})
		return []wasmer.Value{wasmer.NewI32(0)}, nil
	})

	hostGetCaller := wasmer.NewFunction(store, i32Type(1, 1), func(args []wasmer.Value) ([]wasmer.Value, error) {
		if !h.charge(HostGetCaller) {
			return []wasmer.Value{wasmer.NewI32(-1)}, nil
		}
		h.write(args[0].I32(), h.ectx.Caller.Bytes())
		return []wasmer.Value{wasmer.NewI32(0)}, nil
	})

	hostGetAddress := wasmer.NewFunction(store, i32Type(1, 1), func(args []wasmer.Value) ([]wasmer.Value, error) {
		if !h.charge(HostGetAddress) {
			return []wasmer.Value{wasmer.NewI32(-1)}, nil
		}
		h.write(args[0].I32(), h.ectx.Address.Bytes())
		return []wasmer.Value{wasmer.NewI32(0)}, nil
	})

	hostGetBlockNumber := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I64))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.charge(HostGetBlockNumber) {
				return []wasmer.Value{wasmer.NewI64(0)}, nil
			}
			return []wasmer.Value{wasmer.NewI64(int64(h.ectx.BlockNumber))}, nil
		},
	)

	hostGetTimestamp := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I64))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.charge(HostGetTimestamp) {
				return []wasmer.Value{wasmer.NewI64(0)}, nil
			}
			return []wasmer.Value{wasmer.NewI64(h.ectx.Timestamp)}, nil
		},
	)

	imports.Register("env", map[string]wasmer.IntoExtern{
		"host_storage_read":     hostStorageRead,
		"host_storage_write":    hostStorageWrite,
		"host_get_balance":      hostGetBalance,
		"host_transfer":         hostTransfer,
		"host_emit_log":         hostEmitLog,
		"host_get_caller":       hostGetCaller,
		"host_get_address":      hostGetAddress,
		"host_get_block_number": hostGetBlockNumber,
		"host_get_timestamp":    hostGetTimestamp,
	})

	return imports
}
