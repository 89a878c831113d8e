package auditlog

import (
	"context"
	"fmt"

	"github.com/ctrlai/chainlog/internal/chain"
	"github.com/ctrlai/chainlog/internal/storage"
)

// Proof returns the forward link proof from the record at seq to the
// current head: that record and every later one. A holder of the head
// digest checks it with chain.Hasher.VerifyProof.
func (l *Log) Proof(ctx context.Context, seq uint64) (*chain.Proof, error) {
	next, head := l.Head()
	if seq >= next {
		return nil, fmt.Errorf("record %d: %w", seq, storage.ErrNotFound)
	}

	p := &chain.Proof{Sequence: seq, Head: head}
	for r, err := range l.Query(ctx, Filter{FromSeq: seq}) {
		if err != nil {
			return nil, fmt.Errorf("building proof for record %d: %w", seq, err)
		}
		if r.Sequence >= next {
			break
		}
		p.Records = append(p.Records, r)
	}
	if len(p.Records) == 0 || p.Records[0].Sequence != seq {
		return nil, fmt.Errorf("record %d is not readable (purged or missing)", seq)
	}
	if last := p.Records[len(p.Records)-1]; last.Sequence != next-1 {
		return nil, fmt.Errorf("proof for record %d stops at %d, head is %d", seq, last.Sequence, next-1)
	}
	return p, nil
}
