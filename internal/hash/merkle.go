package hash

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// MerkleTree commits to an ordered list of digests. Leaf order is preserved,
// so two ledgers with the same proofs in a different order have different roots.
type MerkleTree struct {
	hasher Hasher
	leaves []Digest
}

func NewMerkleTree(h Hasher) *MerkleTree {
	return &MerkleTree{
		hasher: h,
		leaves: make([]Digest, 0),
	}
}

func (mt *MerkleTree) AddLeaf(d Digest) {
	mt.leaves = append(mt.leaves, d)
}

func (mt *MerkleTree) LeafCount() int {
	return len(mt.leaves)
}

func (mt *MerkleTree) Reset() {
	mt.leaves = mt.leaves[:0]
}

// Root returns ZeroDigest for an empty tree.
func (mt *MerkleTree) Root() Digest {
	if len(mt.leaves) == 0 {
		return ZeroDigest
	}

	level := make([]Digest, len(mt.leaves))
	for i, leaf := range mt.leaves {
		level[i] = mt.hashLeaf(leaf)
	}

	for len(level) > 1 {
		next := make([]Digest, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, mt.hashNode(level[i], right))
		}
		level = next
	}

	return level[0]
}

func (mt *MerkleTree) hashLeaf(d Digest) Digest {
	buf := make([]byte, 0, 1+Size)
	buf = append(buf, leafPrefix)
	buf = append(buf, d[:]...)
	return mt.hasher.Sum(buf)
}

func (mt *MerkleTree) hashNode(left, right Digest) Digest {
	buf := make([]byte, 0, 1+2*Size)
	buf = append(buf, nodePrefix)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return mt.hasher.Sum(buf)
}

// MerkleRoot is a convenience wrapper around MerkleTree.
func MerkleRoot(h Hasher, leaves []Digest) Digest {
	mt := NewMerkleTree(h)
	for _, leaf := range leaves {
		mt.AddLeaf(leaf)
	}
	return mt.Root()
}
