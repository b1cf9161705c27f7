package message

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	cmerrors "github.com/randalmurphal/callmesh/pkg/callmesh/errors"
)

// FieldType is the JSON type a schema field must have.
type FieldType string

// Field types understood by Schema.
const (
	TypeAny     FieldType = ""
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// Schema validates message payloads of one type.
//
// Field names are gjson paths into the JSON encoding of the payload, so
// nested fields are addressed as "node.id" and array elements as
// "children.0".
type Schema struct {
	// Required lists paths that must be present and not null.
	Required []string

	// Fields maps paths to the type they must have when present.
	Fields map[string]FieldType

	// Validator is an optional custom check run after the field checks.
	Validator func(payload any) error
}

const opValidate = "message.validate"

// Validate checks payload against s. Failures carry CodeValidationFailed.
func (s *Schema) Validate(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return cmerrors.Wrap(cmerrors.CodeValidationFailed, opValidate,
			fmt.Errorf("encode payload: %w", err))
	}
	if !gjson.ValidBytes(data) {
		return cmerrors.New(cmerrors.CodeValidationFailed, opValidate, "payload is not valid JSON")
	}

	var problems []string
	for _, path := range s.Required {
		if r := gjson.GetBytes(data, path); !r.Exists() || r.Type == gjson.Null {
			problems = append(problems, fmt.Sprintf("missing required field %q", path))
		}
	}
	paths := make([]string, 0, len(s.Fields))
	for path := range s.Fields {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		want := s.Fields[path]
		r := gjson.GetBytes(data, path)
		if !r.Exists() || want == TypeAny {
			continue
		}
		if got := jsonType(r); got != want {
			problems = append(problems, fmt.Sprintf("field %q is %s, want %s", path, got, want))
		}
	}
	if len(problems) > 0 {
		return cmerrors.New(cmerrors.CodeValidationFailed, opValidate, strings.Join(problems, "; "))
	}

	if s.Validator != nil {
		if err := s.Validator(payload); err != nil {
			return cmerrors.Wrap(cmerrors.CodeValidationFailed, opValidate, err)
		}
	}
	return nil
}

func jsonType(r gjson.Result) FieldType {
	switch r.Type {
	case gjson.String:
		return TypeString
	case gjson.Number:
		return TypeNumber
	case gjson.True, gjson.False:
		return TypeBoolean
	case gjson.JSON:
		if r.IsArray() {
			return TypeArray
		}
		return TypeObject
	default:
		return "null"
	}
}
