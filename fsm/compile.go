package fsm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"regexp/syntax"
	"slices"
	"unicode"
)

// DefaultMaxStates bounds the number of states Compile will create.
const DefaultMaxStates = 100_000

var (
	ErrTooManyStates = errors.New("automaton exceeds state limit")
	ErrUnsupported   = errors.New("unsupported regular expression construct")
)

type CompileOption func(*compiler)

// WithMaxStates sets the state limit. Values <= 0 disable the limit.
func WithMaxStates(n int) CompileOption {
	return func(c *compiler) {
		c.maxStates = n
	}
}

// Compile converts a regular expression into a deterministic automaton
// that accepts exactly the strings the expression fully matches.
//
// The alphabet is derived from the rune ranges used by the expression: two
// runes share a class when no instruction can tell them apart. The
// Anything class is chosen so that falling back to it never admits a rune
// its own class rejects; usually it holds the runes the expression never
// mentions.
//
// States are numbered breadth first from the initial state 0 and every
// state, including those without outgoing transitions, is a key of
// Transitions.
//
// Empty-width assertions other than word boundaries are treated as always
// satisfied.
func Compile(pattern string, opts ...CompileOption) (*Info, error) {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return nil, fmt.Errorf("fsm: %w", err)
	}

	prog, err := syntax.Compile(re.Simplify())
	if err != nil {
		return nil, fmt.Errorf("fsm: %w", err)
	}

	c := compiler{prog: prog, maxStates: DefaultMaxStates}
	for _, opt := range opts {
		opt(&c)
	}

	return c.compile()
}

// MustCompile is like Compile but panics on error.
func MustCompile(pattern string) *Info {
	f, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return f
}

type compiler struct {
	prog      *syntax.Prog
	maxStates int

	// consumers are the pcs of rune-consuming instructions
	consumers []uint32

	// reps holds one representative rune per class
	reps []rune
}

func (c *compiler) compile() (*Info, error) {
	for pc := range c.prog.Inst {
		i := &c.prog.Inst[pc]
		switch i.Op {
		case syntax.InstRune, syntax.InstRune1, syntax.InstRuneAny, syntax.InstRuneAnyNotNL:
			c.consumers = append(c.consumers, uint32(pc))
		case syntax.InstEmptyWidth:
			if syntax.EmptyOp(i.Arg)&(syntax.EmptyWordBoundary|syntax.EmptyNoWordBoundary) != 0 {
				return nil, fmt.Errorf("fsm: %w: word boundary", ErrUnsupported)
			}
		}
	}

	alphabet := c.alphabet()

	info := &Info{
		Initial:     0,
		Finals:      make(map[StateID]struct{}),
		Transitions: make(map[StateID]map[SymbolClass]StateID),
		Alphabet:    alphabet,
	}

	start := c.closure([]uint32{uint32(c.prog.Start)})
	sets := [][]uint32{start}
	ids := map[string]StateID{key(start): 0}

	for s := 0; s < len(sets); s++ {
		set := sets[s]
		trans := make(map[SymbolClass]StateID)

		for class, r := range c.reps {
			var next []uint32
			for _, pc := range set {
				i := &c.prog.Inst[pc]
				if i.Op != syntax.InstMatch && c.matches(i, r) {
					next = append(next, i.Out)
				}
			}
			if len(next) == 0 {
				continue
			}

			target := c.closure(next)
			if len(target) == 0 {
				continue
			}

			k := key(target)
			id, ok := ids[k]
			if !ok {
				if c.maxStates > 0 && len(sets) >= c.maxStates {
					return nil, fmt.Errorf("fsm: %w (%d)", ErrTooManyStates, c.maxStates)
				}
				id = StateID(len(sets))
				ids[k] = id
				sets = append(sets, target)
			}
			trans[SymbolClass(class)] = id
		}

		info.Transitions[StateID(s)] = trans
		if slices.ContainsFunc(set, func(pc uint32) bool {
			return c.prog.Inst[pc].Op == syntax.InstMatch
		}) {
			info.Finals[StateID(s)] = struct{}{}
		}
	}

	return info, nil
}

// closure follows empty transitions from pcs and returns the sorted set of
// rune-consuming and matching instructions reached.
func (c *compiler) closure(pcs []uint32) []uint32 {
	seen := make(map[uint32]bool)
	stack := slices.Clone(pcs)

	var out []uint32
	for len(stack) > 0 {
		pc := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[pc] {
			continue
		}
		seen[pc] = true

		i := &c.prog.Inst[pc]
		switch i.Op {
		case syntax.InstAlt, syntax.InstAltMatch:
			stack = append(stack, i.Out, i.Arg)
		case syntax.InstCapture, syntax.InstNop, syntax.InstEmptyWidth:
			stack = append(stack, i.Out)
		case syntax.InstMatch, syntax.InstRune, syntax.InstRune1, syntax.InstRuneAny, syntax.InstRuneAnyNotNL:
			out = append(out, pc)
		}
	}

	slices.Sort(out)
	return out
}

func (c *compiler) matches(i *syntax.Inst, r rune) bool {
	switch i.Op {
	case syntax.InstRuneAny:
		return true
	case syntax.InstRuneAnyNotNL:
		return r != '\n'
	case syntax.InstRune1:
		return r == i.Rune[0]
	case syntax.InstRune:
		return i.MatchRune(r)
	}
	return false
}

// alphabet partitions the rune space into classes and records a
// representative rune for each.
func (c *compiler) alphabet() Alphabet {
	points := []rune{0}
	add := func(lo, hi rune) {
		points = append(points, lo)
		if hi < unicode.MaxRune {
			points = append(points, hi+1)
		}
	}

	for _, pc := range c.consumers {
		i := &c.prog.Inst[pc]
		switch i.Op {
		case syntax.InstRune1:
			add(i.Rune[0], i.Rune[0])
		case syntax.InstRuneAnyNotNL:
			add('\n', '\n')
		case syntax.InstRune:
			if len(i.Rune) == 1 {
				r := i.Rune[0]
				add(r, r)
				if syntax.Flags(i.Arg)&syntax.FoldCase != 0 {
					for f := unicode.SimpleFold(r); f != r; f = unicode.SimpleFold(f) {
						add(f, f)
					}
				}
				continue
			}
			for j := 0; j+1 < len(i.Rune); j += 2 {
				add(i.Rune[j], i.Rune[j+1])
			}
		}
	}

	slices.Sort(points)
	points = slices.Compact(points)

	type interval struct {
		lo, hi rune
		class  SymbolClass
	}

	intervals := make([]interval, len(points))
	classes := make(map[string]SymbolClass)
	var sigs [][]byte
	var coverage []int64
	for n, lo := range points {
		hi := rune(unicode.MaxRune)
		if n+1 < len(points) {
			hi = points[n+1] - 1
		}

		sig := make([]byte, len(c.consumers))
		for j, pc := range c.consumers {
			if c.matches(&c.prog.Inst[pc], lo) {
				sig[j] = 1
			}
		}

		class, ok := classes[string(sig)]
		if !ok {
			class = SymbolClass(len(c.reps))
			classes[string(sig)] = class
			c.reps = append(c.reps, lo)
			sigs = append(sigs, sig)
			coverage = append(coverage, 0)
		}
		coverage[class] += int64(hi-lo) + 1
		intervals[n] = interval{lo, hi, class}
	}

	anything := c.anything(sigs, coverage)

	a := Alphabet{
		Anything: anything,
		Symbols:  make(map[rune]SymbolClass),
	}
	for _, iv := range intervals {
		switch {
		case iv.class == anything:
		case iv.lo == iv.hi:
			a.Symbols[iv.lo] = iv.class
		default:
			if n := len(a.Ranges); n > 0 && a.Ranges[n-1].Class == iv.class && a.Ranges[n-1].Hi+1 == iv.lo {
				a.Ranges[n-1].Hi = iv.hi
				continue
			}
			a.Ranges = append(a.Ranges, RuneRange{Lo: iv.lo, Hi: iv.hi, Class: iv.class})
		}
	}

	return a
}

// anything picks the fallback class. A class qualifies when every
// instruction matching it also matches all other classes, so that no state
// has a transition on it while lacking one on another class. Among those
// the widest wins. Without a qualifying class the result is a class that
// no rune belongs to.
func (c *compiler) anything(sigs [][]byte, coverage []int64) SymbolClass {
	subset := func(a, b []byte) bool {
		for j := range a {
			if a[j] > b[j] {
				return false
			}
		}
		return true
	}

	anything, found := SymbolClass(len(sigs)), false
	for class, sig := range sigs {
		if found && coverage[class] <= coverage[anything] {
			continue
		}
		if !slices.ContainsFunc(sigs, func(other []byte) bool { return !subset(sig, other) }) {
			anything, found = SymbolClass(class), true
		}
	}
	return anything
}

func key(pcs []uint32) string {
	b := make([]byte, 0, 4*len(pcs))
	for _, pc := range pcs {
		b = binary.LittleEndian.AppendUint32(b, pc)
	}
	return string(b)
}
