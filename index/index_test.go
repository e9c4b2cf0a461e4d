package index

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ollama/constrain/fsm"
	"github.com/ollama/constrain/vocabulary"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// abcd accepts a(bc)*d.
func abcd() *fsm.Info {
	return &fsm.Info{
		Initial: 0,
		Finals:  map[fsm.StateID]struct{}{3: {}},
		Transitions: map[fsm.StateID]map[fsm.SymbolClass]fsm.StateID{
			0: {0: 1},
			1: {1: 2, 3: 3},
			2: {2: 1},
			3: {},
		},
		Alphabet: fsm.Alphabet{
			Anything: 4,
			Symbols:  map[rune]fsm.SymbolClass{'a': 0, 'b': 1, 'c': 2, 'd': 3},
		},
	}
}

func mustVocab(t *testing.T, m map[string][]vocabulary.TokenID) *vocabulary.Vocabulary {
	t.Helper()
	v, err := vocabulary.FromMapping(m)
	require.NoError(t, err)
	return v
}

func TestBuildMultiCharacterTokens(t *testing.T) {
	v := mustVocab(t, map[string][]vocabulary.TokenID{"a": {0}, "bc": {1}, "d": {2}})

	idx, err := Build(abcd(), v, nil)
	require.NoError(t, err)

	want := map[fsm.StateID]map[vocabulary.TokenID]fsm.StateID{
		0: {0: 1},
		1: {1: 1, 2: 3},
		3: {},
	}
	if diff := cmp.Diff(want, idx.Mapping()); diff != "" {
		t.Errorf("mapping mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, fsm.StateID(0), idx.InitialState())
	assert.Equal(t, []fsm.StateID{0, 1, 3}, idx.States())
	assert.Equal(t, []fsm.StateID{3}, idx.Finals())
	assert.True(t, idx.IsFinalState(3))
	assert.False(t, idx.IsFinalState(1))

	_, ok := idx.NextState(0, 2)
	assert.False(t, ok, "d must not be allowed before a")

	next, ok := idx.NextState(1, 1)
	assert.True(t, ok)
	assert.Equal(t, fsm.StateID(1), next)

	allowed, ok := idx.AllowedTokens(3)
	assert.True(t, ok)
	assert.Empty(t, allowed)
	assert.NotNil(t, allowed)

	allowed, ok = idx.AllowedTokens(2)
	assert.False(t, ok, "state 2 is only reached inside a token")
	assert.Nil(t, allowed)

	assert.Equal(t, 3, idx.Edges())
	assert.Equal(t, 3, idx.VocabSize())
}

func TestBuildMultipleIDs(t *testing.T) {
	v := mustVocab(t, map[string][]vocabulary.TokenID{"a": {0, 7}, "bc": {1}, "d": {2}})

	idx, err := Build(abcd(), v, nil)
	require.NoError(t, err)

	allowed, ok := idx.AllowedTokens(0)
	require.True(t, ok)
	assert.Equal(t, []vocabulary.TokenID{0, 7}, allowed)
	assert.Equal(t, 8, idx.VocabSize())
}

func TestBuildSkipsEmptyToken(t *testing.T) {
	v := mustVocab(t, map[string][]vocabulary.TokenID{"": {5}, "a": {0}, "d": {2}, "bc": {1}})

	idx, err := Build(abcd(), v, nil)
	require.NoError(t, err)

	for _, s := range idx.States() {
		_, ok := idx.NextState(s, 5)
		assert.False(t, ok, "empty token admitted in state %d", s)
	}
}

func TestBuildFrozen(t *testing.T) {
	m := map[string][]vocabulary.TokenID{"a": {0}, "bc": {1}, "d": {2}, "ad": {3}}

	cases := []struct {
		policy FrozenPolicy
		want   map[fsm.StateID]map[vocabulary.TokenID]fsm.StateID
	}{
		{FrozenMatchTransition, map[fsm.StateID]map[vocabulary.TokenID]fsm.StateID{
			0: {0: 1},
			1: {1: 1, 2: 3},
			3: {},
		}},
		{FrozenReject, map[fsm.StateID]map[vocabulary.TokenID]fsm.StateID{
			0: {0: 1},
			1: {1: 1, 2: 3},
			3: {},
		}},
		{FrozenAllowAtFinal, map[fsm.StateID]map[vocabulary.TokenID]fsm.StateID{
			0: {0: 1},
			1: {1: 1, 2: 3},
			3: {3: 3},
		}},
		{FrozenAllow, map[fsm.StateID]map[vocabulary.TokenID]fsm.StateID{
			0: {0: 1, 3: 0},
			1: {1: 1, 2: 3, 3: 1},
			3: {3: 3},
		}},
	}

	for _, tt := range cases {
		t.Run(tt.policy.String(), func(t *testing.T) {
			idx, err := Build(abcd(), mustVocab(t, m), []string{"ad"}, WithFrozenPolicy(tt.policy))
			require.NoError(t, err)

			// "ad" spelled out would reach state 3 from state 0.
			if next, ok := idx.NextState(0, 3); ok && next == 3 {
				t.Error("frozen token was decomposed into runes")
			}

			if diff := cmp.Diff(tt.want, idx.Mapping()); diff != "" {
				t.Errorf("mapping mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildFrozenAtom(t *testing.T) {
	info := abcd()
	info.Alphabet.Atoms = map[string]fsm.SymbolClass{"<end>": 3}

	v := mustVocab(t, map[string][]vocabulary.TokenID{"a": {0}, "bc": {1}, "<end>": {2}})
	idx, err := Build(info, v, []string{"<end>"})
	require.NoError(t, err)

	next, ok := idx.NextState(1, 2)
	require.True(t, ok)
	assert.Equal(t, fsm.StateID(3), next)

	_, ok = idx.NextState(0, 2)
	assert.False(t, ok)
}

func TestBuildErrors(t *testing.T) {
	v := mustVocab(t, map[string][]vocabulary.TokenID{"a": {0}, "bc": {1}, "d": {2}})

	t.Run("empty vocabulary", func(t *testing.T) {
		empty, err := vocabulary.New()
		require.NoError(t, err)

		_, err = Build(abcd(), empty, nil)
		assert.ErrorIs(t, err, ErrEmptyVocabulary)
	})

	t.Run("malformed", func(t *testing.T) {
		info := abcd()
		info.Initial = 9

		_, err := Build(info, v, nil)
		assert.ErrorIs(t, err, ErrMalformedAutomaton)

		var ierr *Error
		require.True(t, errors.As(err, &ierr))
		assert.Equal(t, fsm.StateID(9), ierr.State)
	})

	t.Run("no final state", func(t *testing.T) {
		_, err := Build(abcd(), mustVocab(t, map[string][]vocabulary.TokenID{"a": {0}, "bc": {1}}), nil)
		assert.ErrorIs(t, err, ErrNoFinalState)
	})
}

func numberVocab(t *testing.T) *vocabulary.Vocabulary {
	t.Helper()
	tokens := []string{"-", ".", "e", "+", "x", "0.", "00", "12", ".5", "e-", "1e", "-0", "9", ""}
	for i := range 10 {
		tokens = append(tokens, fmt.Sprint(i*7))
	}
	v, err := vocabulary.New(func() []vocabulary.Entry {
		var entries []vocabulary.Entry
		for i, tok := range tokens {
			entries = append(entries, vocabulary.Entry{Token: tok, IDs: []vocabulary.TokenID{vocabulary.TokenID(i)}})
		}
		return entries
	}()...)
	require.NoError(t, err)
	return v
}

func TestBuildConformance(t *testing.T) {
	info := fsm.MustCompile(`-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?`)
	v := numberVocab(t)

	idx, err := Build(info, v, nil)
	require.NoError(t, err)

	for s, next := range idx.Mapping() {
		for id, target := range next {
			token, ok := v.IDToToken(id)
			require.True(t, ok)

			end, ok := info.End(fsm.TokenTransitionKeys(&info.Alphabet, token), s, false)
			if assert.True(t, ok, "state %d token %q", s, token) {
				assert.Equal(t, end, target, "state %d token %q", s, token)
			}

			_, known := idx.AllowedTokens(target)
			assert.True(t, known, "target %d of state %d is missing from the index", target, s)
		}

		for token, ids := range v.All() {
			if token == "" {
				continue
			}
			if _, ok := info.End(fsm.TokenTransitionKeys(&info.Alphabet, token), s, false); ok {
				for _, id := range ids {
					_, admitted := next[id]
					assert.True(t, admitted, "state %d token %q walks but is not admitted", s, token)
				}
			}
		}
	}

	for _, s := range idx.Finals() {
		assert.True(t, info.IsFinal(s))
	}
}

func TestBuildDeterministic(t *testing.T) {
	info := fsm.MustCompile(`-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?`)
	v := numberVocab(t)

	first, err := Build(info, v, nil)
	require.NoError(t, err)
	want, err := first.MarshalBinary()
	require.NoError(t, err)

	for _, workers := range []int{1, 2, 3, 8} {
		idx, err := Build(info, v, nil, WithWorkers(workers))
		require.NoError(t, err)

		if diff := cmp.Diff(first.Mapping(), idx.Mapping()); diff != "" {
			t.Errorf("workers=%d mapping mismatch (-want +got):\n%s", workers, diff)
		}

		got, err := idx.MarshalBinary()
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want, got), "workers=%d encodes differently", workers)
	}
}

func TestAllowedMask(t *testing.T) {
	v := mustVocab(t, map[string][]vocabulary.TokenID{"a": {0}, "bc": {1}, "d": {2}, "z": {9}})
	idx, err := Build(abcd(), v, nil)
	require.NoError(t, err)

	mask, ok := idx.AllowedMask(1)
	require.True(t, ok)
	assert.Equal(t, uint(10), mask.Len())
	assert.Equal(t, uint(2), mask.Count())
	assert.True(t, mask.Test(1))
	assert.True(t, mask.Test(2))
	assert.False(t, mask.Test(0))

	mask, ok = idx.AllowedMask(3)
	require.True(t, ok)
	assert.Equal(t, uint(0), mask.Count())

	_, ok = idx.AllowedMask(2)
	assert.False(t, ok)
}

func TestMappingIsCopy(t *testing.T) {
	v := mustVocab(t, map[string][]vocabulary.TokenID{"a": {0}, "bc": {1}, "d": {2}})
	idx, err := Build(abcd(), v, nil)
	require.NoError(t, err)

	m := idx.Mapping()
	m[0][2] = 3
	delete(m, 1)

	_, ok := idx.NextState(0, 2)
	assert.False(t, ok)
	_, ok = idx.AllowedTokens(1)
	assert.True(t, ok)

	allowed, _ := idx.AllowedTokens(1)
	allowed[0] = 99
	again, _ := idx.AllowedTokens(1)
	assert.Equal(t, []vocabulary.TokenID{1, 2}, again)
}

func TestEncodeDecode(t *testing.T) {
	v := mustVocab(t, map[string][]vocabulary.TokenID{"a": {0}, "bc": {1}, "d": {2}})
	idx, err := Build(abcd(), v, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, idx))
	encoded := bytes.Clone(buf.Bytes())

	decoded, err := Decode(&buf)
	require.NoError(t, err)

	if diff := cmp.Diff(idx.Mapping(), decoded.Mapping()); diff != "" {
		t.Errorf("mapping mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, idx.InitialState(), decoded.InitialState())
	assert.Equal(t, idx.Finals(), decoded.Finals())
	assert.Equal(t, idx.VocabSize(), decoded.VocabSize())

	allowed, ok := decoded.AllowedTokens(3)
	assert.True(t, ok)
	assert.Empty(t, allowed)

	again, err := decoded.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, encoded, again)

	_, err = Decode(bytes.NewReader([]byte{0xff, 0x00}))
	assert.Error(t, err)
}

func TestParseFrozenPolicy(t *testing.T) {
	for _, p := range []FrozenPolicy{FrozenMatchTransition, FrozenReject, FrozenAllowAtFinal, FrozenAllow} {
		got, err := ParseFrozenPolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	got, err := ParseFrozenPolicy("FINAL")
	require.NoError(t, err)
	assert.Equal(t, FrozenAllowAtFinal, got)

	_, err = ParseFrozenPolicy("sometimes")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}
