package negentropy

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/tidemark-net/tidemark/types"
)

// FingerprintSize is the size of a truncated range fingerprint in bytes.
const FingerprintSize = 16

// Fingerprint is a short digest over a range's id multiset. Two peers whose
// fingerprints for a range agree treat the range as synchronized without
// exchanging its contents.
type Fingerprint [FingerprintSize]byte

// fingerprintAccumulator folds ids into an order-independent accumulator so
// a range fingerprint can be built incrementally while walking the set.
type fingerprintAccumulator struct {
	acc   [types.IDSize]byte
	count uint64
}

func (f *fingerprintAccumulator) add(id types.ID) {
	for i := range f.acc {
		f.acc[i] ^= id[i]
	}
	f.count++
}

// fingerprint finalizes the accumulator: the digest covers both the folded
// ids and the element count, so ranges with the same xor but different sizes
// do not collide.
func (f *fingerprintAccumulator) fingerprint() Fingerprint {
	var buf [types.IDSize + 8]byte
	copy(buf[:], f.acc[:])
	binary.LittleEndian.PutUint64(buf[types.IDSize:], f.count)
	sum := blake3.Sum256(buf[:])
	var fp Fingerprint
	copy(fp[:], sum[:FingerprintSize])
	return fp
}

func fingerprintItems(items []Item) Fingerprint {
	var acc fingerprintAccumulator
	for i := range items {
		acc.add(items[i].ID)
	}
	return acc.fingerprint()
}
