package index

import (
	"errors"
	"fmt"

	"github.com/ollama/constrain/fsm"
)

var (
	ErrMalformedAutomaton = errors.New("initial state has no transition entry")
	ErrEmptyVocabulary    = errors.New("vocabulary is empty")
	ErrNoFinalState       = errors.New("no final state is reachable with this vocabulary")
	ErrUnknownPolicy      = errors.New("unknown frozen token policy")
)

// Error reports a failed build together with the automaton state involved.
type Error struct {
	State fsm.StateID
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("index: state %d: %v", e.State, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
