package server

import "sync/atomic"

// lockfreeStack is a Treiber stack of int32 indices into a caller-owned
// slot array. The head word packs the top index with an ABA counter bumped
// on every pop.
type lockfreeStack struct {
	head atomic.Uint64
	next []atomic.Int32
}

const lfsEmpty int32 = -1

func packHead(index int32, aba uint32) uint64 {
	return uint64(uint32(index))<<32 | uint64(aba)
}

func unpackHead(h uint64) (index int32, aba uint32) {
	return int32(uint32(h >> 32)), uint32(h)
}

func newLockfreeStack(n int) *lockfreeStack {
	s := &lockfreeStack{next: make([]atomic.Int32, n)}
	s.head.Store(packHead(lfsEmpty, 0))
	return s
}

// push adds index i, reporting whether the stack was empty beforehand.
func (s *lockfreeStack) push(i int32) bool {
	for {
		h := s.head.Load()
		top, aba := unpackHead(h)
		s.next[i].Store(top)
		if s.head.CompareAndSwap(h, packHead(i, aba)) {
			return top == lfsEmpty
		}
	}
}

// pop removes and returns the top index, or -1 when empty.
func (s *lockfreeStack) pop() int32 {
	for {
		h := s.head.Load()
		top, aba := unpackHead(h)
		if top == lfsEmpty {
			return lfsEmpty
		}
		nxt := s.next[top].Load()
		if s.head.CompareAndSwap(h, packHead(nxt, aba+1)) {
			return top
		}
	}
}
