package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/constrain/fsm"
	"github.com/ollama/constrain/vocabulary"
)

func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
}

func TestClientFromEnvironment(t *testing.T) {
	isolate(t)

	testCases := map[string]struct {
		value  string
		expect string
	}{
		"empty":                      {value: "", expect: "http://127.0.0.1:11435"},
		"only address":               {value: "1.2.3.4", expect: "http://1.2.3.4:11435"},
		"only port":                  {value: ":1234", expect: "http://:1234"},
		"address and port":           {value: "1.2.3.4:1234", expect: "http://1.2.3.4:1234"},
		"scheme http and address":    {value: "http://1.2.3.4", expect: "http://1.2.3.4:80"},
		"scheme https and address":   {value: "https://1.2.3.4", expect: "https://1.2.3.4:443"},
		"scheme, address, and port":  {value: "https://1.2.3.4:1234", expect: "https://1.2.3.4:1234"},
		"hostname":                   {value: "example.com", expect: "http://example.com:11435"},
		"hostname and port":          {value: "example.com:1234", expect: "http://example.com:1234"},
		"scheme https and hostname":  {value: "https://example.com", expect: "https://example.com:443"},
		"trailing slash":             {value: "example.com/", expect: "http://example.com:11435"},
		"trailing slash port":        {value: "example.com:1234/", expect: "http://example.com:1234"},
	}

	for k, v := range testCases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("CONSTRAIN_HOST", v.value)

			client, err := ClientFromEnvironment()
			if err != nil {
				t.Fatal(err)
			}

			if client.base.String() != v.expect {
				t.Fatalf("expected %s, got %s", v.expect, client.base.String())
			}
		})
	}
}

func testClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	base, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	return NewClient(base, ts.Client())
}

func TestClientRegex(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/regex" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "constrain/") {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}

		var req RegexRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if string(req.Schema) != `{"type":"boolean"}` {
			t.Errorf("unexpected schema %s", req.Schema)
		}

		json.NewEncoder(w).Encode(RegexResponse{Regex: "(true|false)"})
	})

	resp, err := client.Regex(context.Background(), &RegexRequest{Schema: json.RawMessage(`{"type":"boolean"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Regex != "(true|false)" {
		t.Errorf("unexpected regex %q", resp.Regex)
	}
}

func TestClientIndex(t *testing.T) {
	want := IndexResponse{
		ID:           "abc",
		Regex:        "ab",
		InitialState: 0,
		FinalStates:  []fsm.StateID{1},
		States:       2,
		Edges:        1,
		VocabSize:    1,
		Transitions: map[fsm.StateID]map[vocabulary.TokenID]fsm.StateID{
			0: {0: 1},
			1: {},
		},
	}

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req IndexRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if ids, ok := req.Vocabulary.TokenToIDs("ab"); !ok || ids[0] != 0 {
			t.Errorf("vocabulary did not round trip: %v %v", ids, ok)
		}
		json.NewEncoder(w).Encode(want)
	})

	v, err := vocabulary.FromTokens([]string{"ab"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := client.Index(context.Background(), &IndexRequest{Regex: "ab", Vocabulary: v, Transitions: true})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestClientError(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"json", `{"error":"bad schema"}`, "bad schema"},
		{"plain", "not json", "not json"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(tt.body))
			})

			_, err := client.Version(context.Background())
			var serr StatusError
			if !errors.As(err, &serr) {
				t.Fatalf("expected StatusError, got %T %v", err, err)
			}
			if serr.StatusCode != http.StatusBadRequest || serr.ErrorMessage != tt.want {
				t.Errorf("unexpected error %+v", serr)
			}
		})
	}
}

func TestIndexRequestValidate(t *testing.T) {
	v, err := vocabulary.FromTokens([]string{"a"})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		req  IndexRequest
		ok   bool
	}{
		{"regex", IndexRequest{Regex: "a", Vocabulary: v}, true},
		{"schema", IndexRequest{Schema: json.RawMessage(`{}`), Vocabulary: v}, true},
		{"both", IndexRequest{Regex: "a", Schema: json.RawMessage(`{}`), Vocabulary: v}, false},
		{"neither", IndexRequest{Vocabulary: v}, false},
		{"no vocabulary", IndexRequest{Regex: "a"}, false},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v", err)
			}
			if err != nil && !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Validate() = %v, want ErrInvalidRequest", err)
			}
		})
	}
}
