package jsonschema

import "fmt"

// Kind classifies a schema node by the keyword that determines its shape.
type Kind int

const (
	KindAny Kind = iota
	KindNever
	KindRef
	KindAllOf
	KindAnyOf
	KindOneOf
	KindEnum
	KindConst
	KindObject
	KindArray
	KindString
	KindInteger
	KindNumber
	KindBoolean
	KindNull
	KindUnion
)

var kindNames = [...]string{
	KindAny:     "any",
	KindNever:   "never",
	KindRef:     "$ref",
	KindAllOf:   "allOf",
	KindAnyOf:   "anyOf",
	KindOneOf:   "oneOf",
	KindEnum:    "enum",
	KindConst:   "const",
	KindObject:  "object",
	KindArray:   "array",
	KindString:  "string",
	KindInteger: "integer",
	KindNumber:  "number",
	KindBoolean: "boolean",
	KindNull:    "null",
	KindUnion:   "union",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

var typeKinds = map[string]Kind{
	"object":  KindObject,
	"array":   KindArray,
	"string":  KindString,
	"integer": KindInteger,
	"number":  KindNumber,
	"boolean": KindBoolean,
	"null":    KindNull,
}

// TypeKind returns the kind named by a "type" value.
func TypeKind(typ string) (Kind, bool) {
	k, ok := typeKinds[typ]
	return k, ok
}

// Kind returns the kind of s. Keywords are checked in a fixed order: $ref,
// then the combinators, then enum and const, then a list of several types,
// then properties and prefixItems, then a single type. A schema with none of these, or the boolean
// schema true, is KindAny.
//
// An unknown single type is reported as KindUnion so the caller can report
// it while walking the type list.
func (s *Schema) Kind() Kind {
	switch {
	case s.Bool != nil && *s.Bool:
		return KindAny
	case s.Bool != nil:
		return KindNever
	case s.Ref != "":
		return KindRef
	case len(s.AllOf) > 0:
		return KindAllOf
	case len(s.AnyOf) > 0:
		return KindAnyOf
	case len(s.OneOf) > 0:
		return KindOneOf
	case len(s.Enum) > 0:
		return KindEnum
	case s.Const != nil:
		return KindConst
	case len(s.Type) > 1:
		return KindUnion
	case len(s.Properties) > 0:
		return KindObject
	case len(s.PrefixItems) > 0:
		return KindArray
	case len(s.Type) == 1:
		if k, ok := TypeKind(s.Type[0]); ok {
			return k
		}
		return KindUnion
	case s.Items != nil:
		return KindArray
	case s.AdditionalProperties != nil:
		return KindObject
	}
	return KindAny
}
