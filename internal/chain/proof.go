package chain

import (
	"fmt"

	"github.com/ctrlai/chainlog/internal/record"
)

// Proof shows that a record is part of the chain ending at Head: it carries
// the record itself and every later record up to the head, so a verifier
// holding only the head digest can recompute each link.
type Proof struct {
	Sequence uint64          `json:"sequence"`
	Head     record.Digest   `json:"head"`
	Records  []record.Record `json:"records"`
}

// VerifyProof checks that p links the record at p.Sequence to head. It
// recomputes every record hash, checks each prev_hash against its
// predecessor and requires contiguous sequences.
func (h *Hasher) VerifyProof(p *Proof, head record.Digest) error {
	if len(p.Records) == 0 {
		return fmt.Errorf("proof for sequence %d is empty", p.Sequence)
	}
	if p.Head != head {
		return fmt.Errorf("proof head %s does not match expected head %s", p.Head, head)
	}
	if p.Records[0].Sequence != p.Sequence {
		return fmt.Errorf("proof starts at sequence %d, want %d", p.Records[0].Sequence, p.Sequence)
	}

	for i := range p.Records {
		r := &p.Records[i]
		ok, _, err := h.Check(r)
		if err != nil {
			return fmt.Errorf("proof record %d: %w", r.Sequence, err)
		}
		if !ok {
			return fmt.Errorf("proof record %d: hash mismatch", r.Sequence)
		}
		if i == 0 {
			continue
		}
		prev := &p.Records[i-1]
		if r.Sequence != prev.Sequence+1 {
			return fmt.Errorf("proof record %d: expected sequence %d", r.Sequence, prev.Sequence+1)
		}
		if r.PrevHash != prev.Hash {
			return fmt.Errorf("proof record %d: prev_hash does not link to record %d", r.Sequence, prev.Sequence)
		}
	}

	if last := p.Records[len(p.Records)-1].Hash; last != head {
		return fmt.Errorf("proof ends at %s, not at head %s", last, head)
	}
	return nil
}
