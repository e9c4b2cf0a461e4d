package vocabulary

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func collect(v *Vocabulary) []Entry {
	var entries []Entry
	for token, ids := range v.All() {
		entries = append(entries, Entry{Token: token, IDs: ids})
	}
	return entries
}

func TestNew(t *testing.T) {
	v, err := New(
		Entry{Token: "b", IDs: []TokenID{3, 1}},
		Entry{Token: "a", IDs: []TokenID{0}},
		Entry{Token: "b", IDs: []TokenID{7}},
	)
	if err != nil {
		t.Fatal(err)
	}

	want := []Entry{
		{Token: "b", IDs: []TokenID{3, 1, 7}},
		{Token: "a", IDs: []TokenID{0}},
	}
	if diff := cmp.Diff(want, collect(v)); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	if v.Len() != 2 {
		t.Errorf("Len = %d, want 2", v.Len())
	}
	if v.Size() != 8 {
		t.Errorf("Size = %d, want 8", v.Size())
	}
}

func TestNewDuplicateID(t *testing.T) {
	_, err := New(
		Entry{Token: "a", IDs: []TokenID{0}},
		Entry{Token: "b", IDs: []TokenID{0}},
	)
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}

	_, err = New(Entry{Token: "a", IDs: []TokenID{-1}})
	if !errors.Is(err, ErrNegativeID) {
		t.Fatalf("expected ErrNegativeID, got %v", err)
	}
}

func TestLookups(t *testing.T) {
	v, err := FromMapping(map[string][]TokenID{
		"a":  {0},
		"bc": {1, 4},
		"d":  {2},
	})
	if err != nil {
		t.Fatal(err)
	}

	ids, ok := v.TokenToIDs("bc")
	if !ok {
		t.Fatal("expected bc to be present")
	}
	if diff := cmp.Diff([]TokenID{1, 4}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	if _, ok := v.TokenToIDs("BC"); ok {
		t.Error("lookups must be exact")
	}

	for id, want := range map[TokenID]string{0: "a", 1: "bc", 4: "bc", 2: "d"} {
		got, ok := v.IDToToken(id)
		if !ok || got != want {
			t.Errorf("IDToToken(%d) = %q, %v; want %q", id, got, ok, want)
		}
	}

	if _, ok := v.IDToToken(3); ok {
		t.Error("IDToToken(3) should be absent")
	}
}

func TestFromMappingOrder(t *testing.T) {
	v, err := FromMapping(map[string][]TokenID{
		"z": {0},
		"y": {2},
		"x": {1},
	})
	if err != nil {
		t.Fatal(err)
	}

	var tokens []string
	for token := range v.All() {
		tokens = append(tokens, token)
	}
	if diff := cmp.Diff([]string{"z", "x", "y"}, tokens); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestAllRestartable(t *testing.T) {
	v, err := FromTokens([]string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}

	first := collect(v)
	second := collect(v)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second iteration differs (-first +second):\n%s", diff)
	}

	// returned slices are copies
	for _, ids := range v.All() {
		ids[0] = 99
	}
	if ids, _ := v.TokenToIDs("a"); ids[0] != 0 {
		t.Errorf("vocabulary was mutated through All: %v", ids)
	}
}

func TestDecode(t *testing.T) {
	v, err := Decode(strings.NewReader(`{"{": [5], "\"a\"": [1, 2], " ": [0]}`))
	if err != nil {
		t.Fatal(err)
	}

	want := []Entry{
		{Token: "{", IDs: []TokenID{5}},
		{Token: `"a"`, IDs: []TokenID{1, 2}},
		{Token: " ", IDs: []TokenID{0}},
	}
	if diff := cmp.Diff(want, collect(v)); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(`{"{":[5],"\"a\"":[1,2]," ":[0]}`, string(b)); diff != "" {
		t.Errorf("json mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{`[]`, `{"a": "b"}`, `{"a": [1]`} {
		if _, err := Decode(strings.NewReader(bad)); err == nil {
			t.Errorf("Decode(%q): expected error", bad)
		}
	}
}
