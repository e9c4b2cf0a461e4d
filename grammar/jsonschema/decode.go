package jsonschema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Schema holds a JSON schema.
type Schema struct {
	// Name is the name of the property. For the parent/root property, this
	// is empty. For child properties, this is the name of the property.
	Name string `json:"-"`

	// Bool is set for the boolean schemas true and false.
	Bool *bool `json:"-"`

	// Type is the list of allowed types. A single string in the document
	// decodes to a list of one.
	Type Types `json:"type"`

	// Properties is the schema for each property of an object, in
	// document order.
	Properties []*Schema `json:"-"`

	Required []string `json:"required"`

	// AdditionalProperties is nil when absent. The JSON values true and
	// false decode to boolean schemas.
	AdditionalProperties *Schema `json:"additionalProperties"`
	MinProperties        *int    `json:"minProperties"`
	MaxProperties        *int    `json:"maxProperties"`

	// PrefixItems is a list of schemas for each item in a tuple.
	PrefixItems []*Schema `json:"prefixItems"`

	// Items is the schema for each item in a list. It is nil when absent.
	Items    *Schema `json:"items"`
	MinItems *int    `json:"minItems"`
	MaxItems *int    `json:"maxItems"`

	MinLength *int   `json:"minLength"`
	MaxLength *int   `json:"maxLength"`
	Pattern   string `json:"pattern"`

	// Format is the format of the property. It is the callers
	// responsibility to validate the property against the format.
	Format string `json:"format"`

	// Digit bounds are not part of JSON Schema. They restrict the length
	// of the textual representation of integers and numbers.
	MinDigits         *int `json:"minDigits"`
	MaxDigits         *int `json:"maxDigits"`
	MinDigitsInteger  *int `json:"minDigitsInteger"`
	MaxDigitsInteger  *int `json:"maxDigitsInteger"`
	MinDigitsFraction *int `json:"minDigitsFraction"`
	MaxDigitsFraction *int `json:"maxDigitsFraction"`
	MinDigitsExponent *int `json:"minDigitsExponent"`
	MaxDigitsExponent *int `json:"maxDigitsExponent"`

	// Enum is a list of valid values for the property.
	Enum []json.RawMessage `json:"enum"`

	// Const is nil when absent and "null" for a null constant.
	Const json.RawMessage `json:"const"`

	AnyOf []*Schema `json:"anyOf"`
	OneOf []*Schema `json:"oneOf"`
	AllOf []*Schema `json:"allOf"`

	Ref         string             `json:"$ref"`
	Defs        map[string]*Schema `json:"$defs"`
	Definitions map[string]*Schema `json:"definitions"`
}

// Parse decodes a schema document.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schema) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("true")):
		s.Bool = boolPtr(true)
		return nil
	case bytes.Equal(data, []byte("false")):
		s.Bool = boolPtr(false)
		return nil
	case len(data) == 0 || data[0] != '{':
		return errors.New("jsonschema: schema must be an object or a boolean")
	}

	type S Schema
	w := struct {
		Properties props `json:"properties"`
		*S
	}{
		S: (*S)(s),
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.Properties = w.Properties
	return nil
}

func boolPtr(b bool) *bool {
	return &b
}

// Types is the value of the "type" keyword.
type Types []string

func (t *Types) UnmarshalJSON(data []byte) error {
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Types{s}
	case '[':
		var ss []string
		if err := json.Unmarshal(data, &ss); err != nil {
			return err
		}
		*t = ss
	case 'n':
	default:
		return errors.New("jsonschema: type must be a string or a list of strings")
	}
	return nil
}

// props is an ordered list of properties. The order of the properties
// is the order in which they were defined in the schema.
type props []*Schema

var _ json.Unmarshaler = (*props)(nil)

func (v *props) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] != '{' {
		return errors.New("expected object")
	}

	d := json.NewDecoder(bytes.NewReader(data))

	t, err := d.Token()
	if err != nil {
		return err
	}
	if t != json.Delim('{') {
		return errors.New("expected object")
	}
	for d.More() {
		// Use the first token (map key) as the property name, then
		// decode the value into a Schema and append.
		t, err := d.Token()
		if err != nil {
			return err
		}
		s := &Schema{
			Name: t.(string),
		}
		if err := d.Decode(s); err != nil {
			return err
		}
		*v = append(*v, s)
	}
	return nil
}

// Property returns the property with the given name.
func (s *Schema) Property(name string) (*Schema, bool) {
	for _, p := range s.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// IsRequired reports whether the property name is listed in required.
func (s *Schema) IsRequired(name string) bool {
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}

// ErrUnresolved is returned by Resolve for pointers that do not name a
// schema in the document.
var ErrUnresolved = errors.New("unresolved reference")

// Resolve follows a local JSON pointer such as "#/$defs/item" from s, which
// must be the document root. Only fragments of the current document are
// supported.
func (s *Schema) Resolve(ref string) (*Schema, error) {
	pointer, ok := strings.CutPrefix(ref, "#")
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a local reference", ErrUnresolved, ref)
	}
	if pointer == "" {
		return s, nil
	}
	if pointer[0] != '/' {
		return nil, fmt.Errorf("%w: %q", ErrUnresolved, ref)
	}

	tokens := strings.Split(pointer[1:], "/")
	for i := range tokens {
		tokens[i] = strings.NewReplacer("~1", "/", "~0", "~").Replace(tokens[i])
	}

	cur := s
	for i := 0; i < len(tokens); i++ {
		var next *Schema
		key := tokens[i]

		// keywords that hold a single schema
		switch key {
		case "items":
			next = cur.Items
		case "additionalProperties":
			next = cur.AdditionalProperties
		}
		if next != nil {
			cur = next
			continue
		}

		// keywords that are followed by a name or an index
		if i+1 >= len(tokens) {
			return nil, fmt.Errorf("%w: %q", ErrUnresolved, ref)
		}
		arg := tokens[i+1]
		i++

		switch key {
		case "$defs":
			next = cur.Defs[arg]
		case "definitions":
			next = cur.Definitions[arg]
		case "properties":
			next, _ = cur.Property(arg)
		case "prefixItems":
			next = nth(cur.PrefixItems, arg)
		case "anyOf":
			next = nth(cur.AnyOf, arg)
		case "oneOf":
			next = nth(cur.OneOf, arg)
		case "allOf":
			next = nth(cur.AllOf, arg)
		}
		if next == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnresolved, ref)
		}
		cur = next
	}
	return cur, nil
}

func nth(ss []*Schema, arg string) *Schema {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 || n >= len(ss) {
		return nil
	}
	return ss[n]
}
