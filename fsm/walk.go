package fsm

import (
	"unicode/utf8"

	"github.com/ollama/constrain/vocabulary"
)

// TokenTransitionKeys returns the symbol class of every rune in token.
// Invalid UTF-8 bytes are classified as utf8.RuneError.
func TokenTransitionKeys(a *Alphabet, token string) []SymbolClass {
	keys := make([]SymbolClass, 0, utf8.RuneCountInString(token))
	for _, r := range token {
		keys = append(keys, a.Class(r))
	}
	return keys
}

// VocabularyTransitionKeys precomputes TokenTransitionKeys for every token
// in v that is not frozen. Frozen tokens are matched as atoms elsewhere.
func VocabularyTransitionKeys(a *Alphabet, v *vocabulary.Vocabulary, frozen map[string]struct{}) map[string][]SymbolClass {
	keys := make(map[string][]SymbolClass, v.Len())
	for token := range v.All() {
		if _, ok := frozen[token]; ok {
			continue
		}
		keys[token] = TokenTransitionKeys(a, token)
	}
	return keys
}

// Walk consumes keys starting at start and returns the states visited after
// each key. The walk fails, and nothing is returned, if a key has no
// transition. With fullMatch the last state must also be final.
func Walk(f *Info, keys []SymbolClass, start StateID, fullMatch bool) ([]StateID, bool) {
	visited := make([]StateID, 0, len(keys))
	s := start
	for _, k := range keys {
		next, ok := f.Step(s, k)
		if !ok {
			return nil, false
		}
		visited = append(visited, next)
		s = next
	}

	if fullMatch && !f.IsFinal(s) {
		return nil, false
	}
	return visited, true
}

// End is Walk without the visited states.
func (f *Info) End(keys []SymbolClass, start StateID, fullMatch bool) (StateID, bool) {
	s := start
	for _, k := range keys {
		next, ok := f.Step(s, k)
		if !ok {
			return 0, false
		}
		s = next
	}

	if fullMatch && !f.IsFinal(s) {
		return 0, false
	}
	return s, true
}
