// Package transform normalizes raw REST and Bulk rows against the stream schema.
package transform

import (
	"strconv"
	"strings"

	"github.com/ajitpratap0/tap-salesforce/pkg/catalog"
	"github.com/ajitpratap0/tap-salesforce/pkg/config"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/json"
	"go.uber.org/multierr"
)

// Denylisted wrapper fields never reach the output.
var denylist = map[string]struct{}{
	"attributes": {},
}

// Transform returns a copy of raw with wire quirks removed and values coerced
// to the types declared in schema. It does not modify raw.
func Transform(raw map[string]any, schema *catalog.Schema) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for name, value := range raw {
		if _, denied := denylist[name]; denied {
			continue
		}
		var fieldSchema *catalog.Schema
		if schema != nil {
			fieldSchema = schema.Properties[name]
			if fieldSchema == nil && schema.AdditionalProperties != nil && !*schema.AdditionalProperties {
				continue
			}
		}
		v, err := coerce(value, fieldSchema)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "transforming field").WithDetail("field", name)
		}
		out[name] = v
	}
	return out, nil
}

func coerce(v any, s *catalog.Schema) (any, error) {
	if v != nil && s != nil && len(s.AnyOf) > 0 {
		return fromAnyOf(v, s)
	}
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return fromString(val, s)
	case json.Number:
		return fromNumber(val, s)
	case map[string]any:
		if s != nil && len(s.Properties) > 0 {
			return Transform(val, s)
		}
		return stripNested(val), nil
	case []any:
		out := make([]any, len(val))
		var items *catalog.Schema
		if s != nil {
			items = s.Items
		}
		for i, item := range val {
			tv, err := coerce(item, items)
			if err != nil {
				return nil, err
			}
			out[i] = tv
		}
		return out, nil
	default:
		return v, nil
	}
}

// fromAnyOf coerces v against each alternative in order and keeps the first
// that accepts it. A date-time alternative only accepts parseable timestamps.
func fromAnyOf(v any, s *catalog.Schema) (any, error) {
	if str, ok := v.(string); ok && str == "" && s.Nullable() {
		return nil, nil
	}
	var errs error
	for _, alt := range s.AnyOf {
		if alt.IsDateTime() {
			str, ok := v.(string)
			if !ok {
				errs = multierr.Append(errs, errors.Newf(errors.ErrorTypeData, "%v is not a date-time", v))
				continue
			}
			if _, err := config.ParseTime(str); err != nil {
				errs = multierr.Append(errs, errors.Wrap(err, errors.ErrorTypeData, "parsing date-time"))
				continue
			}
		}
		out, err := coerce(v, alt)
		if err == nil {
			return out, nil
		}
		errs = multierr.Append(errs, err)
	}
	return nil, errors.Wrap(errs, errors.ErrorTypeData, "value matches no anyOf alternative").WithDetail("value", v)
}

// stripNested removes denylisted fields from relationship objects that have no schema.
func stripNested(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, denied := denylist[k]; denied {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			v = stripNested(nested)
		}
		out[k] = v
	}
	return out
}

func fromString(v string, s *catalog.Schema) (any, error) {
	if s.IsAny() {
		return inferString(v), nil
	}
	if v == "" && s.Nullable() {
		return nil, nil
	}

	if s.Has(catalog.TypeInteger) {
		if n, err := strconv.ParseInt(zeroFloat(v), 10, 64); err == nil {
			return n, nil
		}
	}
	if s.Has(catalog.TypeNumber) {
		if f, err := strconv.ParseFloat(zeroFloat(v), 64); err == nil {
			return f, nil
		}
	}
	if s.Has(catalog.TypeBoolean) {
		if b, err := strconv.ParseBool(v); err == nil {
			return b, nil
		}
	}
	if s.Has(catalog.TypeString) {
		return v, nil
	}
	return nil, errors.Newf(errors.ErrorTypeData, "value %q does not match types %v", v, []string(s.Type))
}

func fromNumber(v json.Number, s *catalog.Schema) (any, error) {
	if s.IsAny() || s.Has(catalog.TypeInteger) {
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		if s.Has(catalog.TypeInteger) {
			if n, err := strconv.ParseInt(zeroFloat(v.String()), 10, 64); err == nil {
				return n, nil
			}
		}
	}
	if s.IsAny() || s.Has(catalog.TypeNumber) || s.Has(catalog.TypeInteger) {
		f, err := v.Float64()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "parsing number")
		}
		return f, nil
	}
	if s.Has(catalog.TypeString) {
		return v.String(), nil
	}
	return nil, errors.Newf(errors.ErrorTypeData, "number %s does not match types %v", v, []string(s.Type))
}

// zeroFloat rewrites the float zero the platform emits for empty numeric fields.
func zeroFloat(v string) string {
	if v == "0.0" {
		return "0"
	}
	return v
}

// inferString guesses the type of an untyped CSV value.
func inferString(v string) any {
	if v == "" {
		return nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && !strings.ContainsAny(v, "xXnN") {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil && (v == "true" || v == "false") {
		return b
	}
	return v
}
