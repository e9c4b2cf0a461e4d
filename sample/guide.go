// Package sample restricts token selection during generation to the tokens
// an index admits.
package sample

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/bits-and-blooms/bitset"

	"github.com/ollama/constrain/fsm"
	"github.com/ollama/constrain/index"
	"github.com/ollama/constrain/vocabulary"
)

var (
	ErrNotAllowed = errors.New("token not allowed")
	ErrFinished   = errors.New("generation already finished")
	ErrNoTokens   = errors.New("no token is allowed")
)

// Guide tracks the index state of a single generation. It is not safe for
// concurrent use; the index it walks may be shared.
type Guide struct {
	idx   *index.Index
	eos   []vocabulary.TokenID
	state fsm.StateID
	done  bool
}

// NewGuide starts a generation in the index's initial state. The eos tokens
// are allowed whenever the current state is final and end the generation
// when accepted.
func NewGuide(idx *index.Index, eos ...vocabulary.TokenID) *Guide {
	eos = slices.Clone(eos)
	slices.Sort(eos)
	return &Guide{
		idx:   idx,
		eos:   slices.Compact(eos),
		state: idx.InitialState(),
	}
}

func (g *Guide) State() fsm.StateID {
	return g.state
}

// AllowedTokens returns the tokens that may be generated next in ascending
// order.
func (g *Guide) AllowedTokens() []vocabulary.TokenID {
	if g.done {
		return nil
	}

	allowed, _ := g.idx.AllowedTokens(g.state)
	if g.idx.IsFinalState(g.state) {
		allowed = append(allowed, g.eos...)
		slices.Sort(allowed)
		allowed = slices.Compact(allowed)
	}
	return allowed
}

// Mask returns the allowed tokens as a bit set.
func (g *Guide) Mask() *bitset.BitSet {
	if g.done {
		return bitset.New(uint(g.idx.VocabSize()))
	}

	mask, ok := g.idx.AllowedMask(g.state)
	if !ok {
		mask = bitset.New(uint(g.idx.VocabSize()))
	}
	if g.idx.IsFinalState(g.state) {
		for _, id := range g.eos {
			mask.Set(uint(id))
		}
	}
	return mask
}

// Apply sets the logits of disallowed tokens to negative infinity.
func (g *Guide) Apply(logits []float32) error {
	mask := g.Mask()
	if mask.None() {
		return fmt.Errorf("%w in state %d", ErrNoTokens, g.state)
	}

	for i := range logits {
		if !mask.Test(uint(i)) {
			logits[i] = float32(math.Inf(-1))
		}
	}
	return nil
}

// Greedy applies the mask and returns the allowed token with the highest
// logit.
func (g *Guide) Greedy(logits []float32) (vocabulary.TokenID, error) {
	if err := g.Apply(logits); err != nil {
		return 0, err
	}

	best := -1
	for i, v := range logits {
		if !math.IsInf(float64(v), -1) && (best < 0 || v > logits[best]) {
			best = i
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("%w in state %d: logits do not cover the allowed tokens", ErrNoTokens, g.state)
	}
	return vocabulary.TokenID(best), nil
}

// Accept advances the guide past token.
func (g *Guide) Accept(token vocabulary.TokenID) error {
	if g.done {
		return ErrFinished
	}

	if g.idx.IsFinalState(g.state) {
		if _, ok := slices.BinarySearch(g.eos, token); ok {
			g.done = true
			return nil
		}
	}

	next, ok := g.idx.NextState(g.state, token)
	if !ok {
		return fmt.Errorf("%w: %d in state %d", ErrNotAllowed, token, g.state)
	}
	g.state = next
	return nil
}

// IsFinished reports whether an eos token was accepted or the current
// state is final and admits no further tokens.
func (g *Guide) IsFinished() bool {
	if g.done {
		return true
	}
	allowed, _ := g.idx.AllowedTokens(g.state)
	return g.idx.IsFinalState(g.state) && len(allowed) == 0
}

// Reset returns the guide to the initial state.
func (g *Guide) Reset() {
	g.state = g.idx.InitialState()
	g.done = false
}
