package ledger

import (
	"encoding/binary"

	"aether-core/pkg/types"
)

// encodeReceipt serializes a Receipt for storage in CFReceipts and for
// hashing into the receipts root. §3 doesn't mandate a wire format, so
// this is a simple length-prefixed encoding private to this package —
// nothing outside the ledger parses it directly.
func encodeReceipt(r types.Receipt) []byte {
	out := make([]byte, 0, 64+len(r.Output))
	out = append(out, r.TxHash.Bytes()...)
	out = append(out, byte(r.Status))
	out = appendUint64(out, r.GasUsed)
	out = appendUint32(out, uint32(r.TxIndex))
	out = appendUint32(out, uint32(len(r.Output)))
	out = append(out, r.Output...)
	out = appendUint32(out, uint32(len(r.Logs)))
	for _, lg := range r.Logs {
		out = append(out, lg.Address.Bytes()...)
		out = appendUint32(out, uint32(len(lg.Data)))
		out = append(out, lg.Data...)
		out = appendUint32(out, uint32(len(lg.Topics)))
		for _, t := range lg.Topics {
			out = appendUint32(out, uint32(len(t)))
			out = append(out, t...)
		}
	}
	return out
}

func appendUint64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

// encodeBlockCommitRecord serializes the durable per-block commit
// record written to CFBlocks (§3).
func encodeBlockCommitRecord(r types.BlockCommitRecord) []byte {
	out := make([]byte, 0, 8+32*3+4)
	out = appendUint64(out, r.Height)
	out = append(out, r.BlockHash.Bytes()...)
	out = append(out, r.ParentHash.Bytes()...)
	out = append(out, r.StateRoot.Bytes()...)
	out = append(out, r.ReceiptsRoot.Bytes()...)
	out = appendUint32(out, uint32(r.TxCount))
	return out
}
