package vm

// HostCall identifies one of the capability-limited host functions a
// contract may call (§4.4). Costs are charged before the operation runs.
type HostCall uint8

const (
	HostStorageRead HostCall = iota
	HostStorageWrite
	HostGetBalance
	HostTransfer
	HostEmitLog
	HostGetCaller
	HostGetAddress
	HostGetBlockNumber
	HostGetTimestamp
)

func (h HostCall) String() string {
	switch h {
	case HostStorageRead:
		return "storage_read"
	case HostStorageWrite:
		return "storage_write"
	case HostGetBalance:
		return "get_balance"
	case HostTransfer:
		return "transfer"
	case HostEmitLog:
		return "emit_log"
	case HostGetCaller:
		return "get_caller"
	case HostGetAddress:
		return "get_address"
	case HostGetBlockNumber:
		return "get_block_number"
	case HostGetTimestamp:
		return "get_timestamp"
	default:
		return "unknown"
	}
}

// DefaultHostCallFuel is charged for a host call with no entry in
// hostCallFuel. Deliberately punitive: every capability the host
// interface exposes must be priced explicitly (§4.4, gas table contract
// mirrors the teacher's gas_table.go).
const DefaultHostCallFuel uint64 = 10_000

var hostCallFuel = map[HostCall]uint64{
	HostStorageRead:    200,
	HostStorageWrite:   5_000,
	HostGetBalance:     100,
	HostTransfer:       9_000,
	HostEmitLog:        375,
	HostGetCaller:      20,
	HostGetAddress:     20,
	HostGetBlockNumber: 20,
	HostGetTimestamp:   20,
}

// HostCallCost returns the fixed fuel price of a host call.
func HostCallCost(h HostCall) uint64 {
	if c, ok := hostCallFuel[h]; ok {
		return c
	}
	return DefaultHostCallFuel
}

// PerByteInstructionFuel approximates the per-instruction fuel charge
// from §4.4. wasmer-go v1.0.4 exposes no instruction-level metering
// middleware to Go callers (that lives only in the Rust-side compiler
// pipeline), so instruction fuel is charged once per call as a function
// of compiled module size: a deterministic, monotonic proxy for "work
// done" that every node computes identically from the same bytecode.
const PerByteInstructionFuel uint64 = 1

// BaseCallFuel is the fixed overhead charged for instantiating a module
// and invoking its entrypoint, independent of bytecode size.
const BaseCallFuel uint64 = 2_100

// InstructionFuel returns the deterministic instruction-fuel charge for
// a module of the given compiled bytecode length.
func InstructionFuel(codeLen int) uint64 {
	return BaseCallFuel + uint64(codeLen)*PerByteInstructionFuel
}

// Meter tracks fuel consumption against a fixed ceiling (§4.4 guarantee
// 2: fuel-accurate gas). It never allows used to exceed limit; any
// attempt to do so reports exhaustion and leaves used pinned at limit.
type Meter struct {
	used  uint64
	limit uint64
}

// NewMeter constructs a Meter with the given fuel ceiling.
func NewMeter(limit uint64) *Meter { return &Meter{limit: limit} }

// Used returns fuel consumed so far.
func (m *Meter) Used() uint64 { return m.used }

// Remaining returns fuel left before exhaustion.
func (m *Meter) Remaining() uint64 {
	if m.used >= m.limit {
		return 0
	}
	return m.limit - m.used
}

// Consume charges cost, reporting ok=false (and pinning used at limit)
// if doing so would exceed the ceiling.
func (m *Meter) Consume(cost uint64) (ok bool) {
	if m.used+cost > m.limit {
		m.used = m.limit
		return false
	}
	m.used += cost
	return true
}

// ChargeHostCall charges a host call's fixed cost.
func (m *Meter) ChargeHostCall(h HostCall) bool { return m.Consume(HostCallCost(h)) }
