// Package grammar compiles JSON schemas into regular expressions that match
// the JSON documents valid under the schema.
package grammar

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"regexp/syntax"
	"strconv"
	"strings"

	"github.com/ollama/constrain/grammar/jsonschema"
)

// DefaultMaxRecursion is the number of times a $ref may be expanded inside
// its own expansion.
const DefaultMaxRecursion = 3

// anyDepth bounds the nesting of objects and arrays whose contents the
// schema leaves unconstrained.
const anyDepth = 2

var (
	ErrUnsupported = errors.New("unsupported schema")
	ErrRecursion   = errors.New("recursive reference exceeds depth limit")
	ErrBounds      = errors.New("maximum is smaller than minimum")
)

// SchemaError reports the location in the schema document, as a JSON
// pointer, that could not be compiled.
type SchemaError struct {
	Path string
	Err  error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("grammar: %s: %v", e.Path, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

type Option func(*compiler)

// WithMaxRecursion sets how many times a recursive $ref is expanded.
func WithMaxRecursion(n int) Option {
	return func(c *compiler) {
		c.maxRecursion = n
	}
}

// FromSchema returns a regular expression matching the JSON documents that
// satisfy schema. The whitespace pattern is inserted wherever JSON allows
// whitespace between tokens; if empty, Whitespace is used.
//
// Properties are generated in the order the schema declares them. Optional
// properties that recurse past the limit are left out, as are alternatives
// of anyOf and oneOf, so recursive schemas produce bounded expressions as
// long as some branch terminates.
func FromSchema(schema []byte, whitespace string, opts ...Option) (string, error) {
	s, err := jsonschema.Parse(schema)
	if err != nil {
		return "", &SchemaError{Path: "#", Err: err}
	}

	c := compiler{
		root:         s,
		ws:           cmp.Or(whitespace, Whitespace),
		maxRecursion: DefaultMaxRecursion,
		active:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(&c)
	}

	// the document itself is the first expansion of "#"
	c.active["#"] = 1
	return c.regex(s, "#")
}

type compiler struct {
	root         *jsonschema.Schema
	ws           string
	maxRecursion int

	// active counts the expansions in progress of each reference. A
	// reference may be entered again while fewer than maxRecursion of its
	// expansions are nested inside the first one.
	active map[string]int
}

func (c *compiler) errorf(path, format string, args ...any) error {
	return &SchemaError{Path: path, Err: fmt.Errorf(format, args...)}
}

func (c *compiler) regex(s *jsonschema.Schema, path string) (string, error) {
	switch k := s.Kind(); k {
	case jsonschema.KindAny:
		return c.value(anyDepth), nil
	case jsonschema.KindNever:
		return "", c.errorf(path, "%w: false schema admits no value", ErrUnsupported)
	case jsonschema.KindRef:
		return c.ref(s, path)
	case jsonschema.KindAllOf:
		if len(s.AllOf) != 1 {
			return "", c.errorf(path+"/allOf", "%w: allOf with %d subschemas", ErrUnsupported, len(s.AllOf))
		}
		return c.regex(s.AllOf[0], path+"/allOf/0")
	case jsonschema.KindAnyOf:
		return c.alternation(s.AnyOf, path+"/anyOf", false)
	case jsonschema.KindOneOf:
		return c.alternation(s.OneOf, path+"/oneOf", true)
	case jsonschema.KindEnum:
		return c.enum(s.Enum, path)
	case jsonschema.KindConst:
		lit, err := literal(s.Const)
		if err != nil {
			return "", &SchemaError{Path: path + "/const", Err: err}
		}
		return lit, nil
	case jsonschema.KindObject:
		if len(s.Properties) > 0 {
			return c.properties(s, path)
		}
		return c.object(s, path)
	case jsonschema.KindArray:
		if len(s.PrefixItems) > 0 {
			return c.tuple(s, path)
		}
		return c.array(s, path)
	case jsonschema.KindString:
		return c.str(s, path)
	case jsonschema.KindInteger:
		return c.integer(s, path)
	case jsonschema.KindNumber:
		return c.number(s, path)
	case jsonschema.KindBoolean:
		return Boolean, nil
	case jsonschema.KindNull:
		return Null, nil
	case jsonschema.KindUnion:
		return c.union(s, path)
	default:
		return "", c.errorf(path, "%w: %v", ErrUnsupported, k)
	}
}

func (c *compiler) ref(s *jsonschema.Schema, path string) (string, error) {
	target, err := c.root.Resolve(s.Ref)
	if err != nil {
		return "", &SchemaError{Path: path + "/$ref", Err: err}
	}

	if c.active[s.Ref] > c.maxRecursion {
		return "", c.errorf(path, "%w: %s", ErrRecursion, s.Ref)
	}
	c.active[s.Ref]++
	defer func() { c.active[s.Ref]-- }()

	return c.regex(target, s.Ref)
}

func (c *compiler) alternation(ss []*jsonschema.Schema, path string, exclusive bool) (string, error) {
	var alts []string
	var recursion error
	for i, sub := range ss {
		r, err := c.regex(sub, fmt.Sprintf("%s/%d", path, i))
		if errors.Is(err, ErrRecursion) {
			recursion = err
			continue
		}
		if err != nil {
			return "", err
		}
		if exclusive {
			r = "(?:" + r + ")"
		}
		alts = append(alts, r)
	}
	if len(alts) == 0 {
		return "", recursion
	}
	return "(" + strings.Join(alts, "|") + ")", nil
}

func (c *compiler) enum(values []json.RawMessage, path string) (string, error) {
	alts := make([]string, len(values))
	for i, v := range values {
		lit, err := literal(v)
		if err != nil {
			return "", &SchemaError{Path: fmt.Sprintf("%s/enum/%d", path, i), Err: err}
		}
		alts[i] = lit
	}
	return "(" + strings.Join(alts, "|") + ")", nil
}

// literal matches the compact encoding of a JSON value. Strings are
// re-encoded so that escaped and unescaped spellings of the same value
// produce the same literal. Object keys keep their order and numbers their
// spelling.
func literal(v json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()

	type container struct {
		object bool
		n      int
	}

	var b strings.Builder
	var stack []container
	separate := func() {
		if len(stack) == 0 {
			return
		}
		top := &stack[len(stack)-1]
		switch {
		case top.object && top.n%2 == 1:
			b.WriteByte(':')
		case top.n > 0:
			b.WriteByte(',')
		}
		top.n++
	}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return "", err
		}

		switch tok := tok.(type) {
		case json.Delim:
			switch tok {
			case '{', '[':
				separate()
				stack = append(stack, container{object: tok == '{'})
			default:
				stack = stack[:len(stack)-1]
			}
			b.WriteString(tok.String())
		case string:
			separate()
			b.WriteString(encodeString(tok))
		case json.Number:
			separate()
			b.WriteString(tok.String())
		case bool:
			separate()
			b.WriteString(strconv.FormatBool(tok))
		case nil:
			separate()
			b.WriteString("null")
		}
	}
	return regexp.QuoteMeta(b.String()), nil
}

// properties matches an object with the declared properties in declaration
// order. Every property up to the last required one is separated by a
// mandatory comma; optional properties after it carry their own leading
// comma. Without required properties any subset is accepted, including
// none, by choosing which property comes last.
func (c *compiler) properties(s *jsonschema.Schema, path string) (string, error) {
	type property struct {
		pattern  string
		required bool
	}

	var props []property
	for _, p := range s.Properties {
		required := s.IsRequired(p.Name)
		if !required && p.Kind() == jsonschema.KindNever {
			continue
		}

		value, err := c.regex(p, path+"/properties/"+escapePointer(p.Name))
		if !required && errors.Is(err, ErrRecursion) {
			continue
		}
		if err != nil {
			return "", err
		}

		props = append(props, property{
			pattern:  c.ws + quoteName(p.Name) + c.ws + ":" + c.ws + value,
			required: required,
		})
	}

	last := -1
	for i, p := range props {
		if p.required {
			last = i
		}
	}

	var b strings.Builder
	b.WriteString(`\{`)
	if last >= 0 {
		for i, p := range props {
			sub := p.pattern
			switch {
			case i < last:
				sub += c.ws + ","
			case i > last:
				sub = c.ws + "," + sub
			}
			if p.required {
				b.WriteString(sub)
			} else {
				b.WriteString("(" + sub + ")?")
			}
		}
	} else if len(props) > 0 {
		alts := make([]string, len(props))
		for i := range props {
			var alt strings.Builder
			for _, p := range props[:i] {
				alt.WriteString("(" + p.pattern + c.ws + ",)?")
			}
			alt.WriteString(props[i].pattern)
			for _, p := range props[i+1:] {
				alt.WriteString("(" + c.ws + "," + p.pattern + ")?")
			}
			alts[i] = alt.String()
		}
		b.WriteString("(" + strings.Join(alts, "|") + ")?")
	}
	b.WriteString(c.ws + `\}`)
	return b.String(), nil
}

// object matches an object with arbitrary keys whose values match
// additionalProperties.
func (c *compiler) object(s *jsonschema.Schema, path string) (string, error) {
	value := c.value(anyDepth)
	if ap := s.AdditionalProperties; ap != nil {
		if ap.Kind() == jsonschema.KindNever {
			return `\{` + c.ws + `\}`, nil
		}

		var err error
		value, err = c.regex(ap, path+"/additionalProperties")
		if err != nil {
			return "", err
		}
	}
	return c.repeat(`\{`, `\}`, c.member(value), s.MinProperties, s.MaxProperties, path)
}

func (c *compiler) member(value string) string {
	return String + c.ws + ":" + c.ws + value
}

func (c *compiler) array(s *jsonschema.Schema, path string) (string, error) {
	items := c.value(anyDepth)
	if s.Items != nil {
		if s.Items.Kind() == jsonschema.KindNever {
			return `\[` + c.ws + `\]`, nil
		}

		var err error
		items, err = c.regex(s.Items, path+"/items")
		if errors.Is(err, ErrRecursion) && (s.MinItems == nil || *s.MinItems == 0) {
			return `\[` + c.ws + `\]`, nil
		}
		if err != nil {
			return "", err
		}
	}
	return c.repeat(`\[`, `\]`, items, s.MinItems, s.MaxItems, path)
}

// tuple matches prefixItems in order, followed by any number of items when
// items is a schema other than false.
func (c *compiler) tuple(s *jsonschema.Schema, path string) (string, error) {
	elems := make([]string, len(s.PrefixItems))
	for i, p := range s.PrefixItems {
		r, err := c.regex(p, fmt.Sprintf("%s/prefixItems/%d", path, i))
		if err != nil {
			return "", err
		}
		elems[i] = r
	}

	r := `\[` + c.ws + strings.Join(elems, c.ws+","+c.ws)
	if s.Items != nil && s.Items.Kind() != jsonschema.KindNever {
		items, err := c.regex(s.Items, path+"/items")
		if err != nil {
			return "", err
		}
		r += "(" + c.ws + "," + c.ws + "(" + items + "))*"
	}
	return r + c.ws + `\]`, nil
}

// repeat matches between minN and maxN comma separated elements enclosed
// by open and close.
func (c *compiler) repeat(open, close, elem string, minN, maxN *int, path string) (string, error) {
	lo := 0
	if minN != nil {
		lo = max(*minN, 0)
	}
	if maxN != nil && *maxN < lo {
		return "", c.errorf(path, "%w: %d < %d", ErrBounds, *maxN, lo)
	}
	if maxN != nil && *maxN < 1 {
		return open + c.ws + close, nil
	}

	rep := fmt.Sprintf("{%d,}", max(lo-1, 0))
	if maxN != nil {
		rep = fmt.Sprintf("{%d,%d}", max(lo-1, 0), *maxN-1)
	}

	optional := ""
	if lo == 0 {
		optional = "?"
	}

	return open + c.ws +
		"((" + elem + ")(" + c.ws + "," + c.ws + "(" + elem + "))" + rep + ")" + optional +
		c.ws + close, nil
}

// value matches any JSON value, with objects and arrays nested at most
// depth levels.
func (c *compiler) value(depth int) string {
	alts := []string{Boolean, Null, Number, Integer, String}
	if depth > 0 {
		inner := c.value(depth - 1)
		obj, _ := c.repeat(`\{`, `\}`, c.member(inner), nil, nil, "")
		arr, _ := c.repeat(`\[`, `\]`, inner, nil, nil, "")
		alts = append(alts, obj, arr)
	}
	return "(" + strings.Join(alts, "|") + ")"
}

func (c *compiler) str(s *jsonschema.Schema, path string) (string, error) {
	switch {
	case s.MinLength != nil || s.MaxLength != nil:
		q, err := quantifier(s.MinLength, s.MaxLength, 0)
		if err != nil {
			return "", &SchemaError{Path: path, Err: err}
		}
		return `"` + StringInner + q + `"`, nil
	case s.Pattern != "":
		p := strings.TrimPrefix(s.Pattern, "^")
		if !strings.HasSuffix(p, `\$`) {
			p = strings.TrimSuffix(p, "$")
		}
		if _, err := syntax.Parse(p, syntax.Perl); err != nil {
			return "", &SchemaError{Path: path + "/pattern", Err: err}
		}
		return `"(` + p + `)"`, nil
	case s.Format != "":
		if f, ok := formats[s.Format]; ok {
			return f, nil
		}
		return "", c.errorf(path+"/format", "%w: format %q", ErrUnsupported, s.Format)
	}
	return String, nil
}

func (c *compiler) integer(s *jsonschema.Schema, path string) (string, error) {
	if s.MinDigits == nil && s.MaxDigits == nil {
		return Integer, nil
	}

	q, err := quantifier(s.MinDigits, s.MaxDigits, 1)
	if err != nil {
		return "", &SchemaError{Path: path, Err: err}
	}
	return `(-)?(0|[1-9][0-9]` + q + `)`, nil
}

func (c *compiler) number(s *jsonschema.Schema, path string) (string, error) {
	bounded := func(lo, hi *int) bool { return lo != nil || hi != nil }
	if !bounded(s.MinDigitsInteger, s.MaxDigitsInteger) &&
		!bounded(s.MinDigitsFraction, s.MaxDigitsFraction) &&
		!bounded(s.MinDigitsExponent, s.MaxDigitsExponent) {
		return Number, nil
	}

	part := func(lo, hi *int, offset int, unbounded string) (string, error) {
		if !bounded(lo, hi) {
			return unbounded, nil
		}
		return quantifier(lo, hi, offset)
	}

	iq, err := part(s.MinDigitsInteger, s.MaxDigitsInteger, 1, "*")
	if err != nil {
		return "", &SchemaError{Path: path, Err: err}
	}
	fq, err := part(s.MinDigitsFraction, s.MaxDigitsFraction, 0, "+")
	if err != nil {
		return "", &SchemaError{Path: path, Err: err}
	}
	eq, err := part(s.MinDigitsExponent, s.MaxDigitsExponent, 0, "+")
	if err != nil {
		return "", &SchemaError{Path: path, Err: err}
	}

	return `((-)?(0|[1-9][0-9]` + iq + `))(\.[0-9]` + fq + `)?([eE][+-][0-9]` + eq + `)?`, nil
}

// union matches any of the listed types, each constrained by the other
// keywords of s that apply to it.
func (c *compiler) union(s *jsonschema.Schema, path string) (string, error) {
	alts := make([]string, 0, len(s.Type))
	for _, t := range s.Type {
		if _, ok := jsonschema.TypeKind(t); !ok {
			return "", c.errorf(path+"/type", "%w: type %q", ErrUnsupported, t)
		}

		single := *s
		single.Type = jsonschema.Types{t}
		if t != "object" {
			single.Properties = nil
			single.AdditionalProperties = nil
		}
		if t != "array" {
			single.PrefixItems = nil
			single.Items = nil
		}
		r, err := c.regex(&single, path)
		if err != nil {
			return "", err
		}
		alts = append(alts, r)
	}
	return "(" + strings.Join(alts, "|") + ")", nil
}

// quantifier returns a {lo,hi} repetition for bounds counted in characters,
// less offset characters matched outside the repetition.
func quantifier(lo, hi *int, offset int) (string, error) {
	n := 0
	if lo != nil {
		n = max(*lo-offset, 0)
	}
	if hi == nil {
		return fmt.Sprintf("{%d,}", n), nil
	}

	m := *hi - offset
	if m < n {
		return "", fmt.Errorf("%w: %d < %d", ErrBounds, *hi, valueOr(lo, 0))
	}
	return fmt.Sprintf("{%d,%d}", n, m), nil
}

func valueOr(p *int, v int) int {
	if p == nil {
		return v
	}
	return *p
}

// quoteName matches the JSON encoding of a property name.
func quoteName(name string) string {
	return regexp.QuoteMeta(encodeString(name))
}

func encodeString(s string) string {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		panic(err)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func escapePointer(s string) string {
	return strings.NewReplacer("~", "~0", "/", "~1").Replace(s)
}
