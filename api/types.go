package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ollama/constrain/fsm"
	"github.com/ollama/constrain/vocabulary"
)

// RegexRequest is the request passed to [Client.Regex].
type RegexRequest struct {
	// Schema is the JSON schema to compile.
	Schema json.RawMessage `json:"schema,omitempty"`

	// Whitespace overrides the pattern placed between JSON tokens.
	Whitespace string `json:"whitespace,omitempty"`

	// MaxRecursion overrides how often a recursive $ref is expanded.
	MaxRecursion *int `json:"max_recursion,omitempty"`
}

// RegexResponse is the response returned by [Client.Regex].
type RegexResponse struct {
	Regex string `json:"regex"`
}

// IndexRequest is the request passed to [Client.Index]. Exactly one of
// Schema and Regex must be set.
type IndexRequest struct {
	Schema       json.RawMessage `json:"schema,omitempty"`
	Regex        string          `json:"regex,omitempty"`
	Whitespace   string          `json:"whitespace,omitempty"`
	MaxRecursion *int            `json:"max_recursion,omitempty"`

	// Vocabulary maps each token to its ids.
	Vocabulary *vocabulary.Vocabulary `json:"vocabulary"`

	// Frozen lists tokens that are matched whole instead of rune by rune.
	Frozen []string `json:"frozen,omitempty"`

	// FrozenPolicy is one of "match", "reject", "final" or "allow".
	FrozenPolicy string `json:"frozen_policy,omitempty"`

	// Transitions requests the full transition table in the response.
	Transitions bool `json:"transitions,omitempty"`
}

var ErrInvalidRequest = errors.New("invalid request")

// Validate reports requests the server cannot build an index for. The
// errors wrap ErrInvalidRequest.
func (r *IndexRequest) Validate() error {
	switch {
	case len(r.Schema) > 0 && r.Regex != "":
		return fmt.Errorf("%w: schema and regex are mutually exclusive", ErrInvalidRequest)
	case len(r.Schema) == 0 && r.Regex == "":
		return fmt.Errorf("%w: one of schema or regex is required", ErrInvalidRequest)
	case r.Vocabulary == nil:
		return fmt.Errorf("%w: vocabulary is required", ErrInvalidRequest)
	}
	return nil
}

// IndexResponse is the response returned by [Client.Index].
type IndexResponse struct {
	// ID identifies the index in the server's cache.
	ID string `json:"id"`

	Regex        string        `json:"regex"`
	InitialState fsm.StateID   `json:"initial_state"`
	FinalStates  []fsm.StateID `json:"final_states"`
	States       int           `json:"states"`
	Edges        int           `json:"edges"`
	VocabSize    int           `json:"vocab_size"`

	// Cached is true when the index was served from the cache.
	Cached bool `json:"cached"`

	Transitions map[fsm.StateID]map[vocabulary.TokenID]fsm.StateID `json:"transitions,omitempty"`
}

// VersionResponse is the response returned by [Client.Version].
type VersionResponse struct {
	Version string `json:"version"`
}
