package chain

import (
	"encoding/binary"

	"github.com/ctrlai/chainlog/internal/record"
)

const sealDomain = "chainlog.seal.v1"

// Sealer folds a segment's record hashes into its seal hash:
//
//	acc_0   = H("chainlog.seal.v1" | u64 start_seq)
//	acc_i+1 = H(acc_i | h_i)
//	seal    = H(acc_n | u64 n)
//
// The running state is a single digest, so the active segment's seal is
// maintained incrementally as records are appended and Sum can be taken at
// any point without disturbing it.
type Sealer struct {
	h     *Hasher
	acc   record.Digest
	start uint64
	count uint64
}

// NewSealer starts a seal computation for a segment whose first record has
// sequence startSeq.
func (h *Hasher) NewSealer(startSeq uint64) *Sealer {
	buf := make([]byte, 0, len(sealDomain)+8)
	buf = append(buf, sealDomain...)
	buf = binary.BigEndian.AppendUint64(buf, startSeq)
	return &Sealer{h: h, acc: h.Sum(buf), start: startSeq}
}

// Add feeds the next record hash.
func (s *Sealer) Add(d record.Digest) {
	var buf [2 * record.DigestSize]byte
	copy(buf[:record.DigestSize], s.acc[:])
	copy(buf[record.DigestSize:], d[:])
	s.acc = s.h.Sum(buf[:])
	s.count++
}

// Count returns the number of hashes added so far.
func (s *Sealer) Count() uint64 { return s.count }

// StartSeq returns the starting sequence the sealer was created with.
func (s *Sealer) StartSeq() uint64 { return s.start }

// Sum returns the seal hash over the hashes added so far.
func (s *Sealer) Sum() record.Digest {
	var buf [record.DigestSize + 8]byte
	copy(buf[:], s.acc[:])
	binary.BigEndian.PutUint64(buf[record.DigestSize:], s.count)
	return s.h.Sum(buf[:])
}

// Seal computes the seal hash of a complete list of record hashes.
func (h *Hasher) Seal(startSeq uint64, hashes []record.Digest) record.Digest {
	s := h.NewSealer(startSeq)
	for _, d := range hashes {
		s.Add(d)
	}
	return s.Sum()
}
