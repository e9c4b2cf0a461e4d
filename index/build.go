package index

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emirpasic/gods/v2/queues/arrayqueue"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/constrain/fsm"
	"github.com/ollama/constrain/logutil"
	"github.com/ollama/constrain/vocabulary"
)

// FrozenPolicy decides how frozen tokens, which are never split into runes,
// are admitted.
type FrozenPolicy int

const (
	// FrozenMatchTransition treats a frozen token as a single symbol whose
	// class is looked up in the alphabet's atoms, falling back to the
	// anything class, and admits it when the automaton has a transition
	// on that class.
	FrozenMatchTransition FrozenPolicy = iota

	// FrozenReject never admits frozen tokens.
	FrozenReject

	// FrozenAllowAtFinal admits frozen tokens in final states only, as a
	// self-loop. This is how end-of-sequence tokens are usually handled.
	FrozenAllowAtFinal

	// FrozenAllow admits frozen tokens in every state as a self-loop.
	FrozenAllow
)

var frozenPolicyNames = []string{
	FrozenMatchTransition: "match",
	FrozenReject:          "reject",
	FrozenAllowAtFinal:    "final",
	FrozenAllow:           "allow",
}

func (p FrozenPolicy) String() string {
	if p < 0 || int(p) >= len(frozenPolicyNames) {
		return fmt.Sprintf("FrozenPolicy(%d)", int(p))
	}
	return frozenPolicyNames[p]
}

// ParseFrozenPolicy parses the names returned by FrozenPolicy.String.
func ParseFrozenPolicy(s string) (FrozenPolicy, error) {
	for p, name := range frozenPolicyNames {
		if strings.EqualFold(s, name) {
			return FrozenPolicy(p), nil
		}
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownPolicy, s)
}

type Option func(*builder)

func WithFrozenPolicy(p FrozenPolicy) Option {
	return func(b *builder) {
		b.policy = p
	}
}

// WithWorkers scans up to n states concurrently. The result does not
// depend on n.
func WithWorkers(n int) Option {
	return func(b *builder) {
		b.workers = max(n, 1)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *builder) {
		b.logger = l
	}
}

type token struct {
	keys []fsm.SymbolClass
	ids  []vocabulary.TokenID
}

type atom struct {
	class fsm.SymbolClass
	ids   []vocabulary.TokenID
}

type builder struct {
	info    *fsm.Info
	policy  FrozenPolicy
	workers int
	logger  *slog.Logger

	tokens []token
	atoms  []atom
}

// Build computes the index of info over vocab. Tokens listed in frozen are
// matched as atomic symbols according to the frozen policy instead of being
// split into runes. Tokens that are empty strings are ignored since they
// cannot advance the automaton.
//
// States are expanded breadth first from the initial state, each exactly
// once. Every state reached by an admissible token is present in the
// result, including dead ends without outgoing tokens.
func Build(info *fsm.Info, vocab *vocabulary.Vocabulary, frozen []string, opts ...Option) (*Index, error) {
	b := builder{
		info:    info,
		policy:  FrozenMatchTransition,
		workers: 1,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&b)
	}

	if vocab == nil || vocab.Len() == 0 {
		return nil, &Error{State: info.Initial, Err: ErrEmptyVocabulary}
	}
	if _, ok := info.Transitions[info.Initial]; !ok {
		return nil, &Error{State: info.Initial, Err: ErrMalformedAutomaton}
	}

	start := time.Now()

	frozenSet := make(map[string]struct{}, len(frozen))
	for _, f := range frozen {
		frozenSet[f] = struct{}{}
	}

	keys := fsm.VocabularyTransitionKeys(&info.Alphabet, vocab, frozenSet)
	for t, ids := range vocab.All() {
		if _, ok := frozenSet[t]; ok {
			b.atoms = append(b.atoms, atom{class: info.Alphabet.Atom(t), ids: ids})
			continue
		}
		if len(keys[t]) == 0 {
			continue
		}
		b.tokens = append(b.tokens, token{keys: keys[t], ids: ids})
	}

	idx := newIndex(info.Initial, vocab.Size())
	if err := b.expand(idx); err != nil {
		return nil, err
	}

	for s := range idx.transitions {
		if info.IsFinal(s) {
			idx.finals[s] = struct{}{}
		}
	}
	if len(idx.finals) == 0 {
		return nil, &Error{State: info.Initial, Err: ErrNoFinalState}
	}

	idx.seal()

	b.logger.Debug("built index",
		"states", len(idx.transitions),
		"edges", idx.Edges(),
		"tokens", len(b.tokens),
		"frozen", len(b.atoms),
		"policy", b.policy,
		"elapsed", time.Since(start))
	return idx, nil
}

// expand runs the breadth first closure, scanning up to b.workers queued
// states at a time.
func (b *builder) expand(idx *Index) error {
	queue := arrayqueue.New[fsm.StateID]()
	queue.Enqueue(b.info.Initial)
	visited := map[fsm.StateID]bool{b.info.Initial: true}

	for !queue.Empty() {
		batch := make([]fsm.StateID, 0, b.workers)
		for len(batch) < b.workers {
			s, ok := queue.Dequeue()
			if !ok {
				break
			}
			batch = append(batch, s)
		}

		rows := make([]map[vocabulary.TokenID]fsm.StateID, len(batch))
		var g errgroup.Group
		g.SetLimit(b.workers)
		for i, s := range batch {
			g.Go(func() error {
				rows[i] = b.scan(s)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for i, s := range batch {
			idx.transitions[s] = rows[i]
			logutil.Trace(b.logger, "scanned state", "state", s, "allowed", len(rows[i]))
			for _, next := range rows[i] {
				if !visited[next] {
					visited[next] = true
					queue.Enqueue(next)
				}
			}
		}
	}

	return nil
}

// scan computes the admissible tokens of a single state.
func (b *builder) scan(s fsm.StateID) map[vocabulary.TokenID]fsm.StateID {
	row := make(map[vocabulary.TokenID]fsm.StateID)
	for _, t := range b.tokens {
		end, ok := b.info.End(t.keys, s, false)
		if !ok {
			continue
		}
		for _, id := range t.ids {
			row[id] = end
		}
	}

	for _, a := range b.atoms {
		next, ok := s, false
		switch b.policy {
		case FrozenMatchTransition:
			next, ok = b.info.Step(s, a.class)
		case FrozenAllowAtFinal:
			ok = b.info.IsFinal(s)
		case FrozenAllow:
			ok = true
		}
		if !ok {
			continue
		}
		for _, id := range a.ids {
			row[id] = next
		}
	}

	return row
}
