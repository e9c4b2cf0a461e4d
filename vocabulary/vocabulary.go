// Package vocabulary holds the token table an index is built against.
//
// A Vocabulary is a verbatim map from token strings to the ids a tokenizer
// assigned them. A single string may own several ids (different merges can
// produce the same text); the order of those ids is preserved.
package vocabulary

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
)

// TokenID is the numeric id of a token as emitted by the model.
type TokenID int32

var (
	ErrDuplicateID = errors.New("token id appears under more than one token")
	ErrNegativeID  = errors.New("negative token id")
)

// Entry is one token string and the ids it maps to.
type Entry struct {
	Token string
	IDs   []TokenID
}

// Vocabulary is immutable once constructed and safe for concurrent use.
type Vocabulary struct {
	entries []Entry
	tokens  map[string]int
	ids     map[TokenID]string
	size    int
}

// New builds a vocabulary from entries, keeping their order. Entries with
// the same token string are merged.
func New(entries ...Entry) (*Vocabulary, error) {
	v := &Vocabulary{
		tokens: make(map[string]int, len(entries)),
		ids:    make(map[TokenID]string, len(entries)),
	}

	for _, e := range entries {
		i, ok := v.tokens[e.Token]
		if !ok {
			i = len(v.entries)
			v.tokens[e.Token] = i
			v.entries = append(v.entries, Entry{Token: e.Token})
		}

		for _, id := range e.IDs {
			if id < 0 {
				return nil, fmt.Errorf("%w: %d (%q)", ErrNegativeID, id, e.Token)
			}
			if prev, ok := v.ids[id]; ok {
				return nil, fmt.Errorf("%w: %d (%q, %q)", ErrDuplicateID, id, prev, e.Token)
			}
			v.ids[id] = e.Token
			v.entries[i].IDs = append(v.entries[i].IDs, id)
			v.size = max(v.size, int(id)+1)
		}
	}

	return v, nil
}

// FromMapping builds a vocabulary from a token → ids map. Map iteration
// order is random, so entries are ordered by their smallest id.
func FromMapping(m map[string][]TokenID) (*Vocabulary, error) {
	entries := make([]Entry, 0, len(m))
	for token, ids := range m {
		entries = append(entries, Entry{Token: token, IDs: ids})
	}

	slices.SortFunc(entries, func(a, b Entry) int {
		if c := cmp.Compare(minID(a.IDs), minID(b.IDs)); c != 0 {
			return c
		}
		return cmp.Compare(a.Token, b.Token)
	})

	return New(entries...)
}

// FromTokens builds a vocabulary where each token's id is its position, the
// layout used by GGUF and most tokenizer.json files.
func FromTokens(tokens []string) (*Vocabulary, error) {
	entries := make([]Entry, len(tokens))
	for i, token := range tokens {
		entries[i] = Entry{Token: token, IDs: []TokenID{TokenID(i)}}
	}
	return New(entries...)
}

// Decode reads a JSON object of the form {"token": [id, ...], ...}. Keys are
// kept in document order.
func Decode(r io.Reader) (*Vocabulary, error) {
	d := json.NewDecoder(r)

	t, err := d.Token()
	if err != nil {
		return nil, err
	}
	if t != json.Delim('{') {
		return nil, errors.New("vocabulary: expected object")
	}

	var entries []Entry
	for d.More() {
		t, err := d.Token()
		if err != nil {
			return nil, err
		}

		var ids []TokenID
		if err := d.Decode(&ids); err != nil {
			return nil, fmt.Errorf("vocabulary: token %q: %w", t, err)
		}
		entries = append(entries, Entry{Token: t.(string), IDs: ids})
	}

	if _, err := d.Token(); err != nil {
		return nil, err
	}

	return New(entries...)
}

// MarshalJSON writes the vocabulary in the format read by Decode.
func (v *Vocabulary) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, e := range v.entries {
		if i > 0 {
			b.WriteByte(',')
		}
		k, err := json.Marshal(e.Token)
		if err != nil {
			return nil, err
		}
		b.Write(k)
		b.WriteByte(':')

		ids := e.IDs
		if ids == nil {
			ids = []TokenID{}
		}
		vals, err := json.Marshal(ids)
		if err != nil {
			return nil, err
		}
		b.Write(vals)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

func (v *Vocabulary) UnmarshalJSON(data []byte) error {
	d, err := Decode(bytes.NewReader(data))
	if err != nil {
		return err
	}
	*v = *d
	return nil
}

// TokenToIDs returns the ids of token in tokenizer order.
func (v *Vocabulary) TokenToIDs(token string) ([]TokenID, bool) {
	i, ok := v.tokens[token]
	if !ok {
		return nil, false
	}
	return slices.Clone(v.entries[i].IDs), true
}

// IDToToken returns the token string owning id.
func (v *Vocabulary) IDToToken(id TokenID) (string, bool) {
	token, ok := v.ids[id]
	return token, ok
}

// All yields every token and its ids in insertion order.
func (v *Vocabulary) All() iter.Seq2[string, []TokenID] {
	return func(yield func(string, []TokenID) bool) {
		for _, e := range v.entries {
			if !yield(e.Token, slices.Clone(e.IDs)) {
				return
			}
		}
	}
}

// Len is the number of distinct token strings.
func (v *Vocabulary) Len() int {
	return len(v.entries)
}

// Size is one past the largest token id, the length of a logits vector
// covering this vocabulary.
func (v *Vocabulary) Size() int {
	return v.size
}

func minID(ids []TokenID) TokenID {
	if len(ids) == 0 {
		return -1
	}
	return slices.Min(ids)
}
