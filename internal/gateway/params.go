package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/validation"

	"switchboard/internal/engine"
)

type ParamType string

const (
	TypeString  ParamType = huma.TypeString
	TypeInteger ParamType = huma.TypeInteger
	TypeBoolean ParamType = huma.TypeBoolean
	TypeArray   ParamType = huma.TypeArray
	TypeObject  ParamType = huma.TypeObject
)

// Length caps shared by the catalog. The request struct tags carry the same numbers.
const (
	MaxNameLen        = 100
	MaxTitleLen       = 200
	MaxContentLen     = 10000
	MaxDescriptionLen = 5000
	MaxListItems      = 50
	MaxTagLen         = 50
	MaxRefLen         = 100
	MaxLimit          = 500
)

// Param summarises one argument of an operation's schema. MaxLength applies to strings
// and to each string item of an array.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Enum        []string
	MaxLength   int
	MaxItems    int
}

// Operation is one catalog entry. Schema is generated from the request struct tags and
// validates the arguments; Params summarises it.
type Operation struct {
	Name        string
	Description string
	Params      []Param
	Schema      *huma.Schema

	handle func(ctx context.Context, e engine.Engine, args []byte) (any, error)
}

// InputSchema renders Schema as JSON.
func (op Operation) InputSchema() (json.RawMessage, error) {
	return json.Marshal(op.Schema)
}

// crossValidator is implemented by requests with constraints spanning several fields.
type crossValidator interface {
	validate() []FieldError
}

// itemMaxLengthTag caps each string item of a list field; huma's own length tags apply
// to the field itself.
const itemMaxLengthTag = "itemMaxLength"

// define binds a typed request R to the schema registry shared by the catalog.
func define[R any](registry huma.Registry, name, description string, run func(context.Context, engine.Engine, *R) (any, error)) Operation {
	t := reflect.TypeOf((*R)(nil)).Elem()
	schema := registry.Schema(t, false, name)
	applyItemLimits(t, schema)
	required := requiredMessages(schema)
	return Operation{
		Name:        name,
		Description: description,
		Params:      paramsOf(t, schema),
		Schema:      schema,
		handle: func(ctx context.Context, e engine.Engine, args []byte) (any, error) {
			req := new(R)
			if fields := decodeArgs(registry, schema, required, args, req); len(fields) > 0 {
				return nil, &ValidationError{Op: name, Fields: fields}
			}
			if cv, ok := any(req).(crossValidator); ok {
				if fields := cv.validate(); len(fields) > 0 {
					return nil, &ValidationError{Op: name, Fields: fields}
				}
			}
			return run(ctx, e, req)
		},
	}
}

// decodeArgs validates args against schema and, when they conform, decodes them into dst.
func decodeArgs(registry huma.Registry, schema *huma.Schema, required map[string]string, args []byte, dst any) []FieldError {
	args = bytes.TrimSpace(args)
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		args = []byte("{}")
	}
	notObject := []FieldError{{Field: "arguments", Reason: "must be a JSON object"}}
	var raw any
	if err := json.Unmarshal(args, &raw); err != nil {
		return notObject
	}
	if _, ok := raw.(map[string]any); !ok {
		return notObject
	}

	res := &huma.ValidateResult{}
	huma.Validate(registry, schema, huma.NewPathBuffer([]byte(""), 0), huma.ModeWriteToServer, raw, res)
	if len(res.Errors) > 0 {
		return fieldErrors(res.Errors, required)
	}
	if err := json.Unmarshal(args, dst); err != nil {
		return []FieldError{{Field: "arguments", Reason: err.Error()}}
	}
	return nil
}

// fieldErrors maps huma's error details onto argument names. A missing required
// property is reported at the object, so it is renamed to the property itself.
func fieldErrors(errs []error, required map[string]string) []FieldError {
	fields := make([]FieldError, 0, len(errs))
	for _, err := range errs {
		var detail *huma.ErrorDetail
		if !errors.As(err, &detail) {
			fields = append(fields, FieldError{Field: "arguments", Reason: err.Error()})
			continue
		}
		f := FieldError{Field: detail.Location, Reason: detail.Message}
		if name, ok := required[detail.Message]; ok && detail.Location == "" {
			f = FieldError{Field: name, Reason: "required"}
		}
		if f.Field == "" {
			f.Field = "arguments"
		}
		fields = append(fields, f)
	}
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return fields
}

func requiredMessages(s *huma.Schema) map[string]string {
	out := make(map[string]string, len(s.Required))
	for _, name := range s.Required {
		out[huma.ErrorFormatter(validation.MsgExpectedRequiredProperty, name)] = name
	}
	return out
}

func applyItemLimits(t reflect.Type, s *huma.Schema) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get(itemMaxLengthTag)
		if tag == "" {
			continue
		}
		n, err := strconv.Atoi(tag)
		if err != nil {
			panic(fmt.Errorf("%s.%s: invalid %s %q", t.Name(), f.Name, itemMaxLengthTag, tag))
		}
		prop := s.Properties[jsonName(f)]
		if prop == nil || prop.Items == nil {
			panic(fmt.Errorf("%s.%s: %s needs a list field", t.Name(), f.Name, itemMaxLengthTag))
		}
		prop.Items.MaxLength = &n
	}
	s.PrecomputeMessages()
}

// paramsOf lists the schema's properties in struct field order.
func paramsOf(t reflect.Type, s *huma.Schema) []Param {
	var params []Param
	for i := 0; i < t.NumField(); i++ {
		name := jsonName(t.Field(i))
		prop, ok := s.Properties[name]
		if name == "-" || !ok {
			continue
		}
		p := Param{
			Name:        name,
			Type:        ParamType(prop.Type),
			Description: prop.Description,
			Required:    contains(s.Required, name),
		}
		leaf := prop
		if prop.Items != nil {
			leaf = prop.Items
		}
		for _, v := range leaf.Enum {
			p.Enum = append(p.Enum, fmt.Sprint(v))
		}
		if leaf.MaxLength != nil {
			p.MaxLength = *leaf.MaxLength
		}
		if prop.MaxItems != nil {
			p.MaxItems = *prop.MaxItems
		}
		params = append(params, p)
	}
	return params
}

func jsonName(f reflect.StructField) string {
	if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name != "" {
		return name
	}
	return f.Name
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
