// Package trie implements the 256-bit-keyed, 256-deep sparse binary
// Merkle tree from spec §4.2: a single state root plus inclusion proofs,
// backed by the kvs column family `trie_nodes`.
//
// Hashing is fixed to SHA-256 for cross-node determinism. An internal
// node's hash is H(left‖right); a leaf's hash is H(key‖H(value)). Empty
// subtrees have precomputed constant hashes per level so a sparse tree
// only ever stores O(keys touched) nodes, never the full 2^256 space.
package trie

import (
	"crypto/sha256"
	"fmt"

	"github.com/sirupsen/logrus"

	"aether-core/internal/coreerr"
	"aether-core/internal/kvs"
	"aether-core/pkg/types"
)

// Depth is the fixed tree depth (one bit of the 256-bit key per level).
const Depth = 256

func hash2(a, b [32]byte) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return sha256.Sum256(buf[:])
}

// emptyHashes[i] is the root hash of an empty subtree of height i, where
// height 0 is an empty leaf and height Depth is the empty whole-tree
// root. emptyHashes[0] is H of the zero-value leaf content.
var emptyHashes [Depth + 1]types.Hash

func init() {
	var zero [32]byte
	emptyHashes[0] = sha256.Sum256(zero[:]) // empty leaf slot marker
	for i := 1; i <= Depth; i++ {
		emptyHashes[i] = hash2(emptyHashes[i-1], emptyHashes[i-1])
	}
}

// EmptyRoot is the root hash of a trie with no keys set.
func EmptyRoot() types.Hash { return emptyHashes[Depth] }

// branchNode is an internal node: the hash of two children.
type branchNode struct {
	Left, Right types.Hash
}

func (n branchNode) encode() []byte {
	out := make([]byte, 64)
	copy(out[:32], n.Left[:])
	copy(out[32:], n.Right[:])
	return out
}

func decodeBranch(b []byte) (branchNode, error) {
	if len(b) != 64 {
		return branchNode{}, fmt.Errorf("trie: malformed branch node (%d bytes)", len(b))
	}
	var n branchNode
	copy(n.Left[:], b[:32])
	copy(n.Right[:], b[32:])
	return n, nil
}

// leafKeyPrefix namespaces direct key→value lookups inside CFTrieNodes,
// separate from the hash-addressed branch/leaf node DAG.
var leafKeyPrefix = []byte("leaf:")

// Trie is a single state tree instance. It is not safe for concurrent
// mutation by design (§3 ownership: exactly one BlockView owns the
// in-memory SMT accessor at a time).
//
// A Trie instance is also used for each account's private contract-
// storage subtree (§4.6 Open Question: per-account subtree, chosen over
// flattening for stronger compositional proofs). Multiple per-account
// subtrees share the same kvs.Store and column family, so every stored
// key carries a `namespace` prefix — the owning account's address for a
// storage subtree, or nil for the single global accounts trie — to keep
// two accounts' identically-valued storage keys from colliding in the
// shared node DAG.
type Trie struct {
	db        *kvs.Store
	cf        kvs.CF
	namespace []byte
	root      types.Hash

	// nodeCache holds branch nodes touched this block, keyed by hash,
	// not yet flushed to the kvs. Read-through falls back to db.
	nodeCache map[types.Hash]branchNode
	// leafCache holds raw leaf values touched this block, keyed by the
	// 256-bit trie key, not yet flushed.
	leafCache map[types.Hash][]byte

	log *logrus.Entry
}

// New opens the global accounts Trie view rooted at root (pass
// EmptyRoot() for a fresh tree) against the given store. Every node it
// touches lives in the trie_nodes column family (§3), namespaced apart
// from any per-account storage subtree.
func New(db *kvs.Store, root types.Hash) *Trie {
	return newNamespaced(db, append([]byte("acct:"), 0), root)
}

// NewStorageSubtree opens the private contract-storage subtree for a
// single account, rooted at its current storage_root. Nodes are stored
// in the same trie_nodes column family as the global accounts trie, but
// namespaced by address so two accounts' identically-keyed storage
// cells never collide in the shared node DAG.
func NewStorageSubtree(db *kvs.Store, address []byte, root types.Hash) *Trie {
	ns := append([]byte("stor:"), address...)
	return newNamespaced(db, ns, root)
}

func newNamespaced(db *kvs.Store, namespace []byte, root types.Hash) *Trie {
	return &Trie{
		db:        db,
		cf:        kvs.CFTrieNodes,
		namespace: namespace,
		root:      root,
		nodeCache: make(map[types.Hash]branchNode),
		leafCache: make(map[types.Hash][]byte),
		log:       logrus.WithField("component", "trie"),
	}
}

func (t *Trie) nodeStoreKey(h types.Hash) []byte {
	return append(append([]byte{}, t.namespace...), h[:]...)
}

func (t *Trie) leafStoreKey(key types.Hash) []byte {
	out := append([]byte{}, t.namespace...)
	out = append(out, leafKeyPrefix...)
	return append(out, key[:]...)
}

// Root returns the current root hash.
func (t *Trie) Root() types.Hash { return t.root }

func (t *Trie) readBranch(h types.Hash) (branchNode, bool, error) {
	if h == emptyHashes[0] {
		return branchNode{}, false, nil
	}
	if n, ok := t.nodeCache[h]; ok {
		return n, true, nil
	}
	raw, found, err := t.db.Get(t.cf, t.nodeStoreKey(h))
	if err != nil {
		return branchNode{}, false, err
	}
	if !found {
		return branchNode{}, false, nil
	}
	n, err := decodeBranch(raw)
	if err != nil {
		return branchNode{}, false, coreerr.Fatal("trie.readBranch", fmt.Errorf("%w: %v", coreerr.ErrTrieHashMismatch, err))
	}
	return n, true, nil
}

// childrenOf returns the (left, right) hashes of the subtree rooted at
// h, whose height above the leaf level is `height`. An unrecognized
// non-empty hash with no stored branch record is a corruption: the read
// path expects every non-empty node it descends into to be either a
// leaf hash (height 0) or a recorded branch.
func (t *Trie) childrenOf(h types.Hash, height int) (types.Hash, types.Hash, error) {
	if h == emptyHashes[height] {
		return emptyHashes[height-1], emptyHashes[height-1], nil
	}
	n, ok, err := t.readBranch(h)
	if err != nil {
		return types.Hash{}, types.Hash{}, err
	}
	if !ok {
		return types.Hash{}, types.Hash{}, coreerr.Fatal("trie.childrenOf", fmt.Errorf("%w: node %s missing at height %d", coreerr.ErrTrieHashMismatch, h, height))
	}
	return n.Left, n.Right, nil
}

// bit returns the i-th bit of key, MSB first (bit 0 splits the root).
func bit(key types.Hash, i int) int {
	byteIdx := i / 8
	bitIdx := 7 - uint(i%8)
	return int((key[byteIdx] >> bitIdx) & 1)
}

func leafHash(key types.Hash, value []byte) types.Hash {
	vh := sha256.Sum256(value)
	var buf [64]byte
	copy(buf[:32], key[:])
	copy(buf[32:], vh[:])
	return sha256.Sum256(buf[:])
}

// siblingsAlongPath walks the current tree from root to leaf for key,
// returning the 256 sibling hashes, ordered from the root level (index
// 0) down to the leaf level (index 255) — i.e. proof order.
func (t *Trie) siblingsAlongPath(key types.Hash) ([Depth]types.Hash, error) {
	var siblings [Depth]types.Hash
	cur := t.root
	for level := 0; level < Depth; level++ {
		height := Depth - level
		left, right, err := t.childrenOf(cur, height)
		if err != nil {
			return siblings, err
		}
		if bit(key, level) == 0 {
			siblings[level] = right
			cur = left
		} else {
			siblings[level] = left
			cur = right
		}
	}
	return siblings, nil
}

// Update writes a leaf and recomputes exactly the 256 nodes on its path,
// reusing precomputed empty hashes for empty siblings (§4.2). The new
// root is cached in memory; it is not persisted until the caller pulls
// DirtyWrites() into a commit batch.
func (t *Trie) Update(key types.Hash, value []byte) (types.Hash, error) {
	siblings, err := t.siblingsAlongPath(key)
	if err != nil {
		return types.Hash{}, err
	}

	var cur types.Hash
	if len(value) == 0 {
		cur = emptyHashes[0]
	} else {
		cur = leafHash(key, value)
	}
	t.leafCache[key] = append([]byte{}, value...)

	for level := Depth - 1; level >= 0; level-- {
		sib := siblings[level]
		var node branchNode
		if bit(key, level) == 0 {
			node = branchNode{Left: cur, Right: sib}
		} else {
			node = branchNode{Left: sib, Right: cur}
		}
		h := hash2(node.Left, node.Right)
		t.nodeCache[h] = node
		cur = h
	}

	t.root = cur
	return cur, nil
}

// Get returns the leaf value at key, or (nil, false) if it has never
// been written (or was deleted, i.e. last written as empty).
func (t *Trie) Get(key types.Hash) ([]byte, bool, error) {
	if v, ok := t.leafCache[key]; ok {
		if len(v) == 0 {
			return nil, false, nil
		}
		return v, true, nil
	}
	v, found, err := t.db.Get(t.cf, t.leafStoreKey(key))
	if err != nil {
		return nil, false, err
	}
	if !found || len(v) == 0 {
		return nil, false, nil
	}
	return v, true, nil
}

// Proof is a standalone-verifiable inclusion/exclusion proof: the 256
// sibling hashes along the path to key, root-to-leaf order.
type Proof struct {
	Siblings [Depth]types.Hash
}

// Prove returns a proof for key against the trie's current root.
func (t *Trie) Prove(key types.Hash) (Proof, error) {
	siblings, err := t.siblingsAlongPath(key)
	if err != nil {
		return Proof{}, err
	}
	return Proof{Siblings: siblings}, nil
}

// VerifyProof checks a proof for (key, value) against root, standalone —
// it needs no access to the trie itself. An empty value (nil or
// zero-length) verifies non-membership.
func VerifyProof(root types.Hash, key types.Hash, value []byte, proof Proof) bool {
	var cur types.Hash
	if len(value) == 0 {
		cur = emptyHashes[0]
	} else {
		cur = leafHash(key, value)
	}
	for level := Depth - 1; level >= 0; level-- {
		sib := proof.Siblings[level]
		if bit(key, level) == 0 {
			cur = hash2(cur, sib)
		} else {
			cur = hash2(sib, cur)
		}
	}
	return cur == root
}

// DirtyWrites returns the kvs.Write batch for every node and leaf
// touched since the last flush, for the caller (the ledger's commit
// path) to fold into its single atomic block-commit batch.
func (t *Trie) DirtyWrites() []kvs.Write {
	writes := make([]kvs.Write, 0, len(t.nodeCache)+len(t.leafCache))
	for h, n := range t.nodeCache {
		writes = append(writes, kvs.Write{CF: t.cf, Key: t.nodeStoreKey(h), Value: n.encode()})
	}
	for k, v := range t.leafCache {
		writes = append(writes, kvs.Write{CF: t.cf, Key: t.leafStoreKey(k), Value: v})
	}
	return writes
}

// MarkClean clears the pending-write caches after the caller has
// persisted DirtyWrites(). The in-memory copies are dropped; the nodes
// and leaves stay readable from the store (until GC sweeps them).
func (t *Trie) MarkClean() {
	t.nodeCache = make(map[types.Hash]branchNode)
	t.leafCache = make(map[types.Hash][]byte)
}

// GC walks every node reachable from liveRoots and deletes any stored
// trie_nodes branch entry that is unreachable from all of them. It is an
// explicit, externally-triggered maintenance operation (§9), never run
// implicitly during normal updates.
func (t *Trie) GC(liveRoots []types.Hash) (int, error) {
	reachable := make(map[types.Hash]struct{})
	var walk func(h types.Hash, height int) error
	walk = func(h types.Hash, height int) error {
		if height == 0 || h == emptyHashes[height] {
			return nil
		}
		if _, seen := reachable[h]; seen {
			return nil
		}
		reachable[h] = struct{}{}
		left, right, err := t.childrenOf(h, height)
		if err != nil {
			return err
		}
		if err := walk(left, height-1); err != nil {
			return err
		}
		return walk(right, height-1)
	}
	for _, r := range liveRoots {
		if err := walk(r, Depth); err != nil {
			return 0, err
		}
	}

	it, err := t.db.Iterate(t.cf, t.namespace)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var toDelete [][]byte
	for it.Valid() {
		e := it.Entry()
		// Node entries are namespace+hash (len(namespace)+32); leaf
		// entries are namespace+"leaf:"+hash, longer by len(leafKeyPrefix).
		// Only branch nodes are subject to reachability sweep here.
		if len(e.Key) == len(t.namespace)+32 {
			var h types.Hash
			copy(h[:], e.Key[len(t.namespace):])
			if _, live := reachable[h]; !live {
				toDelete = append(toDelete, append([]byte{}, e.Key...))
			}
		}
		it.Next()
	}

	writes := make([]kvs.Write, 0, len(toDelete))
	for _, k := range toDelete {
		writes = append(writes, kvs.Write{CF: t.cf, Key: k, Value: nil})
	}
	if len(writes) > 0 {
		if err := t.db.Batch(writes); err != nil {
			return 0, err
		}
	}
	t.log.WithField("swept", len(toDelete)).Info("trie GC complete")
	return len(toDelete), nil
}
