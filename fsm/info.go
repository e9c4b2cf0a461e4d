// Package fsm describes deterministic automata over symbol classes and
// walks token strings through them.
package fsm

import (
	"maps"
	"slices"
	"sort"
)

// StateID identifies an automaton state.
type StateID uint32

// SymbolClass is an equivalence class of runes that behave identically in
// every state of an automaton.
type SymbolClass uint32

// RuneRange maps the inclusive interval [Lo, Hi] to Class.
type RuneRange struct {
	Lo, Hi rune
	Class  SymbolClass
}

// Alphabet maps runes to symbol classes. Lookups consult Symbols, then
// Ranges, and fall back to Anything.
type Alphabet struct {
	// Anything is the class of every rune not otherwise classified.
	Anything SymbolClass

	// Symbols holds single-rune classes.
	Symbols map[rune]SymbolClass

	// Ranges holds wide classes, sorted by Lo and non-overlapping.
	Ranges []RuneRange

	// Atoms maps whole token strings to a class of their own. Frozen
	// tokens are looked up here instead of being split into runes.
	Atoms map[string]SymbolClass
}

// Class returns the symbol class of r.
func (a *Alphabet) Class(r rune) SymbolClass {
	if c, ok := a.Symbols[r]; ok {
		return c
	}

	i := sort.Search(len(a.Ranges), func(i int) bool {
		return a.Ranges[i].Hi >= r
	})
	if i < len(a.Ranges) && a.Ranges[i].Lo <= r {
		return a.Ranges[i].Class
	}

	return a.Anything
}

// Atom returns the class of a token treated as a single symbol.
func (a *Alphabet) Atom(token string) SymbolClass {
	if c, ok := a.Atoms[token]; ok {
		return c
	}
	return a.Anything
}

// Info is a plain-data snapshot of a deterministic automaton. It is not
// modified after construction and may be shared between goroutines.
type Info struct {
	Initial     StateID
	Finals      map[StateID]struct{}
	Transitions map[StateID]map[SymbolClass]StateID
	Alphabet    Alphabet
}

// IsFinal reports whether s is an accepting state.
func (f *Info) IsFinal(s StateID) bool {
	_, ok := f.Finals[s]
	return ok
}

// Step follows the transition on class from s, falling back to the
// Anything class.
func (f *Info) Step(s StateID, class SymbolClass) (StateID, bool) {
	next, ok := f.Transitions[s][class]
	if !ok {
		next, ok = f.Transitions[s][f.Alphabet.Anything]
	}
	return next, ok
}

// States returns every state that has an entry in Transitions, sorted.
func (f *Info) States() []StateID {
	return slices.Sorted(maps.Keys(f.Transitions))
}

// Match reports whether the whole of s is accepted.
func (f *Info) Match(s string) bool {
	_, ok := f.End(TokenTransitionKeys(&f.Alphabet, s), f.Initial, true)
	return ok
}

// MatchPrefix reports whether s can be extended into an accepted string,
// that is whether every rune of s has a transition.
func (f *Info) MatchPrefix(s string) bool {
	_, ok := f.End(TokenTransitionKeys(&f.Alphabet, s), f.Initial, false)
	return ok
}
