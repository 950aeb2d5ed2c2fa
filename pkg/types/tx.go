package types

// TxKind tags the variant a Transaction carries, dispatched by the
// ledger's apply-dispatcher (§9 "Polymorphism").
type TxKind uint8

const (
	TxTransfer TxKind = iota
	TxContractCall
	TxContractDeploy
	TxSystem // job_post / job_submit_result / job_challenge / job_settle, §6
)

func (k TxKind) String() string {
	switch k {
	case TxTransfer:
		return "transfer"
	case TxContractCall:
		return "contract_call"
	case TxContractDeploy:
		return "contract_deploy"
	case TxSystem:
		return "system"
	default:
		return "unknown"
	}
}

// ConflictSet is the declared read/write footprint a transaction carries
// into the scheduler (§4.5). Declaration accuracy is the caller's
// responsibility. The scheduler detects divergence only when two
// transactions in a wave actually write the same account; declared read
// sets are trusted as given.
type ConflictSet struct {
	Reads  []Address
	Writes []Address
}

// Transaction is the unit the scheduler partitions into waves and the
// ledger applies one at a time within a wave.
type Transaction struct {
	Kind      TxKind
	Hash      Hash
	From      Address
	To        Address
	Value     uint64 // native-asset amount moved by a transfer
	Nonce     uint64
	GasLimit  uint64
	GasPrice  uint64
	Input     []byte // bytecode (deploy) or call data (call/system)
	Declared  ConflictSet
	Signature []byte
}

// StatusCode enumerates the receipt statuses from §7's taxonomy.
type StatusCode uint8

const (
	StatusSuccess StatusCode = iota
	StatusInvalidSignature
	StatusNonceMismatch
	StatusInsufficientBalanceForFee
	StatusOutOfGas
	StatusVMTrapped
	StatusHostCallFailed
	// StatusInsufficientBalance covers a plain transfer's value (as
	// opposed to its fee) exceeding the sender's post-fee balance — the
	// literal scenario in spec §8 example 2's second case. Not one of
	// the six named revertable kinds in §7, added because a value
	// transfer that fails after the fee/nonce have already been
	// committed needs a distinct receipt status from the fee check.
	StatusInsufficientBalance
)

func (s StatusCode) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidSignature:
		return "invalid_signature"
	case StatusNonceMismatch:
		return "nonce_mismatch"
	case StatusInsufficientBalanceForFee:
		return "insufficient_balance_for_fee"
	case StatusOutOfGas:
		return "out_of_gas"
	case StatusVMTrapped:
		return "vm_trapped"
	case StatusHostCallFailed:
		return "host_call_failed"
	case StatusInsufficientBalance:
		return "insufficient_balance"
	default:
		return "unknown"
	}
}

// Ok reports whether the status represents a successfully applied
// transaction (as opposed to a revert that still consumed gas).
func (s StatusCode) Ok() bool { return s == StatusSuccess }

// Log is a single event emitted by emit_log during VM execution.
type Log struct {
	Address Address
	Topics  [][]byte
	Data    []byte
}

// Receipt is produced at commit and retained indefinitely, keyed by
// tx_hash (§3).
type Receipt struct {
	TxHash   Hash
	Status   StatusCode
	GasUsed  uint64
	Logs     []Log
	Output   []byte
	TxIndex  int // original transaction-list position, never completion order
}

// BlockHeader carries the fields consensus hands the core (§6).
type BlockHeader struct {
	Height    uint64
	ParentHash Hash
	Proposer  Address
	Timestamp int64
	TxCount   int
}

// BlockCommitRecord is the durable record written atomically with every
// block's state mutations (§3).
type BlockCommitRecord struct {
	Height       uint64
	BlockHash    Hash
	ParentHash   Hash
	StateRoot    Hash
	ReceiptsRoot Hash
	TxCount      int
}
