package ledger

import (
	"crypto/sha256"
	"fmt"
	"sync/atomic"

	"aether-core/internal/coreerr"
	"aether-core/internal/kvs"
	"aether-core/internal/trie"
	"aether-core/pkg/types"
)

// Commit folds view's dirty accounts, storage and code into one atomic
// KVS batch, updates the accounts trie (and each touched account's
// private storage subtree), and advances the ledger's height and state
// root (§4.3 "commit"). It is the only place committed state changes.
func (l *Ledger) Commit(view *BlockView, header types.BlockHeader, txCount int) (stateRoot, receiptsRoot types.Hash, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var writes []kvs.Write

	// 1. Persist every touched account's storage subtree first, so the
	// account record written below carries its final storage_root.
	finalAccounts := make(map[types.Address]types.Account, len(view.dirtyAccounts))
	for addr := range view.dirtyAccounts {
		acct, ok := view.accounts[addr]
		if !ok {
			return types.Hash{}, types.Hash{}, coreerr.Fatal("ledger.Commit", fmt.Errorf("dirty account %s missing from overlay", addr))
		}
		finalAccounts[addr] = acct
	}

	for addr := range view.dirtyStorage {
		acct, ok := finalAccounts[addr]
		if !ok {
			acct, err = l.readCommittedAccount(addr)
			if err != nil {
				return types.Hash{}, types.Hash{}, err
			}
		}

		// An account that has never held storage carries a zero
		// storage_root; its subtree starts from the empty-tree root.
		subRoot := acct.StorageRoot
		if subRoot.IsZero() {
			subRoot = trie.EmptyRoot()
		}
		sub := trie.NewStorageSubtree(l.db, addr.Bytes(), subRoot)
		cells := view.storage[addr]
		for key := range view.dirtyStorage[addr] {
			val := cells[key]
			// Raw fast-read copy, independent of the subtree's node
			// encoding (§4.6: dual persistence for O(1) reads during
			// execution vs. Merkle-provable state in the trie).
			storeKey := append(append([]byte{}, addr.Bytes()...), key[:]...)
			if len(val) == 0 {
				writes = append(writes, kvs.Write{CF: kvs.CFContractStorage, Key: storeKey, Value: nil})
			} else {
				writes = append(writes, kvs.Write{CF: kvs.CFContractStorage, Key: storeKey, Value: val})
			}
			if _, err := sub.Update(key, val); err != nil {
				return types.Hash{}, types.Hash{}, err
			}
		}
		writes = append(writes, sub.DirtyWrites()...)
		sub.MarkClean()

		acct.StorageRoot = sub.Root()
		finalAccounts[addr] = acct
	}

	// 2. Persist code blobs (content-addressed, immutable).
	for hash, code := range view.code {
		if _, ok := view.dirtyCode[hash]; !ok {
			continue
		}
		writes = append(writes, kvs.Write{CF: kvs.CFCode, Key: hash.Bytes(), Value: code})
	}

	// 3. Persist final account records and fold them into the accounts
	// trie, keyed by sha256(address) (§4.2).
	for addr, acct := range finalAccounts {
		writes = append(writes, kvs.Write{CF: kvs.CFAccounts, Key: addr.Bytes(), Value: acct.Encode()})
		key := accountTrieKey(addr)
		if _, err := l.accTrie.Update(key, acct.Encode()); err != nil {
			return types.Hash{}, types.Hash{}, err
		}
	}
	writes = append(writes, l.accTrie.DirtyWrites()...)

	// 4. Persist receipts and compute the receipts root. §3 doesn't
	// mandate a specific receipts_root structure; this commits to a
	// simple sha256-of-concatenated-per-receipt-hash scheme.
	receipts := view.OrderedReceipts(txCount)
	receiptsRoot = receiptsRootOf(receipts)
	for _, r := range receipts {
		encoded := encodeReceipt(r)
		writes = append(writes, kvs.Write{CF: kvs.CFReceipts, Key: r.TxHash.Bytes(), Value: encoded})
	}

	newStateRoot := l.accTrie.Root()
	record := types.BlockCommitRecord{
		Height:       header.Height,
		BlockHash:    blockHash(header, newStateRoot, receiptsRoot),
		ParentHash:   header.ParentHash,
		StateRoot:    newStateRoot,
		ReceiptsRoot: receiptsRoot,
		TxCount:      txCount,
	}
	writes = append(writes, kvs.Write{CF: kvs.CFBlocks, Key: heightKey(header.Height), Value: encodeBlockCommitRecord(record)})

	if err := l.db.Batch(writes); err != nil {
		return types.Hash{}, types.Hash{}, err
	}

	l.accTrie.MarkClean()
	l.height = header.Height

	atomic.AddUint64(&l.commitCount, 1)
	l.log.WithField("height", header.Height).WithField("tx_count", txCount).Info("block committed")

	return newStateRoot, receiptsRoot, nil
}

func blockHash(h types.BlockHeader, stateRoot, receiptsRoot types.Hash) types.Hash {
	buf := append([]byte{}, h.ParentHash.Bytes()...)
	buf = append(buf, h.Proposer.Bytes()...)
	buf = append(buf, stateRoot.Bytes()...)
	buf = append(buf, receiptsRoot.Bytes()...)
	return sha256.Sum256(buf)
}

func receiptsRootOf(receipts []types.Receipt) types.Hash {
	if len(receipts) == 0 {
		return types.Hash(sha256.Sum256(nil))
	}
	buf := make([]byte, 0, len(receipts)*32)
	for _, r := range receipts {
		rh := sha256.Sum256(encodeReceipt(r))
		buf = append(buf, rh[:]...)
	}
	return sha256.Sum256(buf)
}
