package sample

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/constrain/fsm"
	"github.com/ollama/constrain/grammar"
	"github.com/ollama/constrain/index"
	"github.com/ollama/constrain/vocabulary"
)

const eos vocabulary.TokenID = 3

func testGuide(t *testing.T) *Guide {
	t.Helper()

	v, err := vocabulary.FromMapping(map[string][]vocabulary.TokenID{
		"a": {0}, "bc": {1}, "d": {2}, "<eos>": {eos},
	})
	if err != nil {
		t.Fatal(err)
	}

	idx, err := index.Build(fsm.MustCompile(`a(bc)*d`), v, []string{"<eos>"}, index.WithFrozenPolicy(index.FrozenReject))
	if err != nil {
		t.Fatal(err)
	}
	return NewGuide(idx, eos)
}

func TestGuide(t *testing.T) {
	g := testGuide(t)

	steps := []struct {
		token   vocabulary.TokenID
		allowed []vocabulary.TokenID
	}{
		{0, []vocabulary.TokenID{0}},
		{1, []vocabulary.TokenID{1, 2}},
		{2, []vocabulary.TokenID{1, 2}},
		{eos, []vocabulary.TokenID{eos}},
	}

	for _, step := range steps {
		if diff := cmp.Diff(step.allowed, g.AllowedTokens()); diff != "" {
			t.Fatalf("allowed mismatch in state %d (-want +got):\n%s", g.State(), diff)
		}
		if g.IsFinished() && step.token != eos {
			t.Fatalf("finished early in state %d", g.State())
		}
		if err := g.Accept(step.token); err != nil {
			t.Fatal(err)
		}
	}

	if !g.IsFinished() {
		t.Error("expected guide to be finished after eos")
	}
	if len(g.AllowedTokens()) != 0 {
		t.Errorf("no tokens should be allowed after eos, got %v", g.AllowedTokens())
	}
	if err := g.Accept(0); !errors.Is(err, ErrFinished) {
		t.Errorf("expected ErrFinished, got %v", err)
	}

	g.Reset()
	if g.IsFinished() || g.State() != 0 {
		t.Error("reset should return to the initial state")
	}
}

func TestGuideRejects(t *testing.T) {
	g := testGuide(t)

	if err := g.Accept(2); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("expected ErrNotAllowed for d before a, got %v", err)
	}
	if err := g.Accept(eos); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("eos must not be accepted outside a final state, got %v", err)
	}
	if g.State() != 0 {
		t.Errorf("rejected tokens must not change the state, got %d", g.State())
	}
}

func TestGuideApply(t *testing.T) {
	g := testGuide(t)
	if err := g.Accept(0); err != nil {
		t.Fatal(err)
	}

	logits := []float32{5, 1, 2, 9, 7}
	if err := g.Apply(logits); err != nil {
		t.Fatal(err)
	}

	inf := float32(math.Inf(-1))
	if diff := cmp.Diff([]float32{inf, 1, 2, inf, inf}, logits); diff != "" {
		t.Errorf("logits mismatch (-want +got):\n%s", diff)
	}
}

func TestGuideGreedy(t *testing.T) {
	g := testGuide(t)

	var generated []vocabulary.TokenID
	for !g.IsFinished() {
		// d scores highest, so generation stops as soon as d is legal.
		token, err := g.Greedy([]float32{0.1, 0.2, 0.9, 0.5})
		if err != nil {
			t.Fatal(err)
		}
		if err := g.Accept(token); err != nil {
			t.Fatal(err)
		}
		generated = append(generated, token)
	}

	if diff := cmp.Diff([]vocabulary.TokenID{0, 2}, generated); diff != "" {
		t.Errorf("generated mismatch (-want +got):\n%s", diff)
	}
}

func TestGuideSchema(t *testing.T) {
	re, err := grammar.FromSchema([]byte(`{"type":"object","properties":{"a":{"type":"boolean"}},"required":["a"]}`), "")
	if err != nil {
		t.Fatal(err)
	}

	tokens := []string{`{"`, `a`, `":`, `true`, `false`, `}`, ` `, `1`, `"`}
	v, err := vocabulary.FromTokens(tokens)
	if err != nil {
		t.Fatal(err)
	}

	idx, err := index.Build(fsm.MustCompile(re), v, nil)
	if err != nil {
		t.Fatal(err)
	}

	g := NewGuide(idx)
	for _, token := range []vocabulary.TokenID{0, 1, 2, 4, 5} {
		if err := g.Accept(token); err != nil {
			t.Fatalf("accepting %q: %v", tokens[token], err)
		}
	}
	if !g.IsFinished() {
		t.Error(`{"a":false} should finish the object`)
	}

	g.Reset()
	for _, token := range []vocabulary.TokenID{0, 1, 2} {
		if err := g.Accept(token); err != nil {
			t.Fatal(err)
		}
	}
	if err := g.Accept(7); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("a number is not a boolean, got %v", err)
	}
}
