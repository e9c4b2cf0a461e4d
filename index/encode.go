package index

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/ollama/constrain/fsm"
	"github.com/ollama/constrain/vocabulary"
)

// wireIndex is the persisted form of an Index.
type wireIndex struct {
	Version     int                                                `cbor:"1,keyasint"`
	Initial     fsm.StateID                                        `cbor:"2,keyasint"`
	Finals      []fsm.StateID                                      `cbor:"3,keyasint"`
	Transitions map[fsm.StateID]map[vocabulary.TokenID]fsm.StateID `cbor:"4,keyasint"`
	VocabSize   int                                                `cbor:"5,keyasint"`
}

const wireVersion = 1

var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// MarshalBinary encodes the index as canonical CBOR. Equal indexes encode
// to identical bytes.
func (idx *Index) MarshalBinary() ([]byte, error) {
	return encMode.Marshal(wireIndex{
		Version:     wireVersion,
		Initial:     idx.initial,
		Finals:      idx.Finals(),
		Transitions: idx.transitions,
		VocabSize:   idx.vocabSize,
	})
}

func (idx *Index) UnmarshalBinary(b []byte) error {
	var w wireIndex
	if err := cbor.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("index: decode: %w", err)
	}
	if w.Version != wireVersion {
		return fmt.Errorf("index: unsupported encoding version %d", w.Version)
	}
	if _, ok := w.Transitions[w.Initial]; !ok {
		return &Error{State: w.Initial, Err: ErrMalformedAutomaton}
	}

	*idx = *newIndex(w.Initial, w.VocabSize)
	for s, next := range w.Transitions {
		if next == nil {
			next = make(map[vocabulary.TokenID]fsm.StateID)
		}
		idx.transitions[s] = next
	}
	for _, s := range w.Finals {
		idx.finals[s] = struct{}{}
	}
	idx.seal()
	return nil
}

// Encode writes idx to w.
func Encode(w io.Writer, idx *Index) error {
	b, err := idx.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Decode reads an index written by Encode.
func Decode(r io.Reader) (*Index, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var idx Index
	if err := idx.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return &idx, nil
}
