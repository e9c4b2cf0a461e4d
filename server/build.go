package server

import (
	"cmp"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp/syntax"
	"slices"

	"github.com/google/uuid"

	"github.com/ollama/constrain/api"
	"github.com/ollama/constrain/envconfig"
	"github.com/ollama/constrain/fsm"
	"github.com/ollama/constrain/grammar"
	"github.com/ollama/constrain/index"
)

// Regex compiles the schema of req, filling unset options from the
// environment.
func Regex(req *api.RegexRequest) (string, error) {
	return grammar.FromSchema(req.Schema,
		cmp.Or(req.Whitespace, envconfig.Whitespace()),
		grammar.WithMaxRecursion(maxRecursion(req.MaxRecursion)))
}

func maxRecursion(n *int) int {
	if n != nil {
		return *n
	}
	return int(envconfig.MaxRecursion())
}

type indexJob struct {
	req    *api.IndexRequest
	regex  string
	policy index.FrozenPolicy
	frozen []string
}

func newIndexJob(req *api.IndexRequest) (*indexJob, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	j := indexJob{req: req, regex: req.Regex}
	if len(req.Schema) > 0 {
		re, err := Regex(&api.RegexRequest{
			Schema:       req.Schema,
			Whitespace:   req.Whitespace,
			MaxRecursion: req.MaxRecursion,
		})
		if err != nil {
			return nil, err
		}
		j.regex = re
	}

	if name := cmp.Or(req.FrozenPolicy, envconfig.FrozenPolicy()); name != "" {
		policy, err := index.ParseFrozenPolicy(name)
		if err != nil {
			return nil, err
		}
		j.policy = policy
	}

	j.frozen = slices.Clone(req.Frozen)
	slices.Sort(j.frozen)
	j.frozen = slices.Compact(j.frozen)
	return &j, nil
}

// key identifies the index the job builds. Jobs with equal keys produce
// equal indexes.
func (j *indexJob) key() (string, error) {
	b, err := json.Marshal(struct {
		Regex      string         `json:"regex"`
		Vocabulary json.Marshaler `json:"vocabulary"`
		Frozen     []string       `json:"frozen"`
		Policy     string         `json:"policy"`
	}{j.regex, j.req.Vocabulary, j.frozen, j.policy.String()})
	if err != nil {
		return "", err
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, b).String(), nil
}

func (j *indexJob) build() (*index.Index, error) {
	info, err := fsm.Compile(j.regex, fsm.WithMaxStates(int(envconfig.MaxStates())))
	if err != nil {
		return nil, err
	}

	return index.Build(info, j.req.Vocabulary, j.frozen,
		index.WithFrozenPolicy(j.policy),
		index.WithWorkers(int(envconfig.Workers())),
		index.WithLogger(slog.Default()))
}

// BuildIndex compiles req and indexes the automaton over its vocabulary. It
// returns the index together with the regular expression it was built from.
func BuildIndex(req *api.IndexRequest) (*index.Index, string, error) {
	j, err := newIndexJob(req)
	if err != nil {
		return nil, "", err
	}

	idx, err := j.build()
	if err != nil {
		return nil, "", err
	}
	return idx, j.regex, nil
}

// statusOf maps errors caused by the request to 400 and anything else
// to 500.
func statusOf(err error) int {
	var (
		schemaErr *grammar.SchemaError
		indexErr  *index.Error
		syntaxErr *syntax.Error
	)

	switch {
	case errors.As(err, &schemaErr),
		errors.As(err, &indexErr),
		errors.As(err, &syntaxErr),
		errors.Is(err, fsm.ErrTooManyStates),
		errors.Is(err, fsm.ErrUnsupported),
		errors.Is(err, index.ErrUnknownPolicy),
		errors.Is(err, api.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
