// Package index compiles an automaton and a vocabulary into a per-state
// table of admissible tokens.
package index

import (
	"maps"
	"slices"

	"github.com/bits-and-blooms/bitset"

	"github.com/ollama/constrain/fsm"
	"github.com/ollama/constrain/vocabulary"
)

// Index maps every reachable automaton state to the tokens allowed there and
// the state each token leads to. It is immutable and safe for concurrent use.
type Index struct {
	initial     fsm.StateID
	finals      map[fsm.StateID]struct{}
	transitions map[fsm.StateID]map[vocabulary.TokenID]fsm.StateID

	// allowed holds each state's token ids in ascending order
	allowed map[fsm.StateID][]vocabulary.TokenID

	vocabSize int
}

func newIndex(initial fsm.StateID, vocabSize int) *Index {
	return &Index{
		initial:     initial,
		finals:      make(map[fsm.StateID]struct{}),
		transitions: make(map[fsm.StateID]map[vocabulary.TokenID]fsm.StateID),
		allowed:     make(map[fsm.StateID][]vocabulary.TokenID),
		vocabSize:   vocabSize,
	}
}

// seal computes the derived lookup tables once the transitions are final.
func (idx *Index) seal() {
	for s, next := range idx.transitions {
		allowed := slices.Sorted(maps.Keys(next))
		if allowed == nil {
			allowed = []vocabulary.TokenID{}
		}
		idx.allowed[s] = allowed
	}
}

// InitialState is the state generation starts in.
func (idx *Index) InitialState() fsm.StateID {
	return idx.initial
}

// AllowedTokens returns the tokens admissible in state s, in ascending id
// order. The second result is false when s is not a reachable state; a
// reachable state with no tokens is a dead end and returns an empty slice.
func (idx *Index) AllowedTokens(s fsm.StateID) ([]vocabulary.TokenID, bool) {
	allowed, ok := idx.allowed[s]
	if !ok {
		return nil, false
	}
	return slices.Clone(allowed), true
}

// NextState returns the state reached by emitting token in state s. The
// second result is false when the token is not admissible there.
func (idx *Index) NextState(s fsm.StateID, token vocabulary.TokenID) (fsm.StateID, bool) {
	next, ok := idx.transitions[s][token]
	return next, ok
}

// IsFinalState reports whether generation may stop in state s.
func (idx *Index) IsFinalState(s fsm.StateID) bool {
	_, ok := idx.finals[s]
	return ok
}

// Finals returns the reachable final states in ascending order.
func (idx *Index) Finals() []fsm.StateID {
	return slices.Sorted(maps.Keys(idx.finals))
}

// States returns every reachable state in ascending order.
func (idx *Index) States() []fsm.StateID {
	return slices.Sorted(maps.Keys(idx.transitions))
}

// Mapping returns a copy of the state → token → state table.
func (idx *Index) Mapping() map[fsm.StateID]map[vocabulary.TokenID]fsm.StateID {
	m := make(map[fsm.StateID]map[vocabulary.TokenID]fsm.StateID, len(idx.transitions))
	for s, next := range idx.transitions {
		m[s] = maps.Clone(next)
	}
	return m
}

// AllowedMask returns the tokens admissible in s as a bit set sized to the
// vocabulary.
func (idx *Index) AllowedMask(s fsm.StateID) (*bitset.BitSet, bool) {
	allowed, ok := idx.allowed[s]
	if !ok {
		return nil, false
	}

	mask := bitset.New(uint(idx.vocabSize))
	for _, id := range allowed {
		mask.Set(uint(id))
	}
	return mask, true
}

// VocabSize is the length of a logits vector this index was built for.
func (idx *Index) VocabSize() int {
	return idx.vocabSize
}

// Edges is the number of (state, token) pairs in the index.
func (idx *Index) Edges() int {
	var n int
	for _, next := range idx.transitions {
		n += len(next)
	}
	return n
}
