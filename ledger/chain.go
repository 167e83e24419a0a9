package ledger

import (
	"fmt"

	cmtsync "github.com/cometbft/cometbft/libs/sync"
)

// Chain is the local append-only block sequence. It is safe for concurrent
// use, but callers that read NextLink and then Append must serialize those
// two steps themselves.
type Chain struct {
	mu     cmtsync.RWMutex
	blocks []*Block
	byHash map[string]uint64
}

func NewChain() *Chain {
	return &Chain{byHash: make(map[string]uint64)}
}

// Len is the number of blocks, which is also the next index.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// Tip returns the last block.
func (c *Chain) Tip() (*Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.blocks) == 0 {
		return nil, false
	}
	return c.blocks[len(c.blocks)-1], true
}

// NextLink returns the index and prev_hash the next block must carry.
func (c *Chain) NextLink() (uint64, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.blocks) == 0 {
		return 0, GenesisPrevHash
	}
	return uint64(len(c.blocks)), c.blocks[len(c.blocks)-1].Hash
}

// Has reports whether a block with this hash is already linked.
func (c *Chain) Has(hash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byHash[hash]
	return ok
}

// Append links b onto the tip after checking its hash, index and prev_hash.
func (c *Chain) Append(b *Block) error {
	if err := b.Verify(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := uint64(len(c.blocks))
	if b.Index > next {
		return fmt.Errorf("%w: got %d, want %d", ErrIndexGap, b.Index, next)
	}
	wantPrev := GenesisPrevHash
	if next > 0 {
		wantPrev = c.blocks[next-1].Hash
	}
	if b.Index < next || b.PrevHash != wantPrev {
		return fmt.Errorf("%w: block %d prev_hash %s, tip %s", ErrPrevHashMismatch, b.Index, b.PrevHash, wantPrev)
	}

	c.blocks = append(c.blocks, b)
	c.byHash[b.Hash] = b.Index
	return nil
}

// Get returns the block at index.
func (c *Chain) Get(index uint64) (*Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index >= uint64(len(c.blocks)) {
		return nil, false
	}
	return c.blocks[index], true
}

// Last returns up to n most recent blocks in index order.
func (c *Chain) Last(n int) []*Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || n > len(c.blocks) {
		n = len(c.blocks)
	}
	out := make([]*Block, n)
	copy(out, c.blocks[len(c.blocks)-n:])
	return out
}

// Blocks returns a copy of the whole chain.
func (c *Chain) Blocks() []*Block {
	return c.Last(0)
}

// Verify walks the chain and checks every hash and link.
func (c *Chain) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	prev := GenesisPrevHash
	for i, b := range c.blocks {
		if b.Index != uint64(i) {
			return fmt.Errorf("%w: position %d holds index %d", ErrIndexGap, i, b.Index)
		}
		if err := b.Verify(); err != nil {
			return err
		}
		if b.PrevHash != prev {
			return fmt.Errorf("%w: block %d", ErrPrevHashMismatch, b.Index)
		}
		prev = b.Hash
	}
	return nil
}
