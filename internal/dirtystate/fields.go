package dirtystate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// clone deep-copies v through its JSON form so that the copy shares no
// slices or maps with the original.
func clone[T any](v T) (T, error) {
	var out T

	data, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("failed to encode aggregate: %w", err)
	}

	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to decode aggregate: %w", err)
	}

	return out, nil
}

// fieldsOf splits v into its top-level JSON fields.
func fieldsOf[T any](v T) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode aggregate: %w", err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("aggregate is not a JSON object: %w", err)
	}

	return fields, nil
}

// fieldNames returns the exact top-level JSON names T declares, including
// omitempty fields absent from an encoding. Non-struct aggregates fall back to
// the keys of fields.
func fieldNames[T any](fields map[string]json.RawMessage) map[string]struct{} {
	names := make(map[string]struct{})

	t := reflect.TypeOf((*T)(nil)).Elem()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t.Kind() != reflect.Struct {
		for key := range fields {
			names[key] = struct{}{}
		}

		return names
	}

	collectFieldNames(t, names)

	return names
}

func collectFieldNames(t reflect.Type, names map[string]struct{}) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)

		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}

		name, _, _ := strings.Cut(tag, ",")

		if f.Anonymous && name == "" {
			embedded := f.Type
			if embedded.Kind() == reflect.Pointer {
				embedded = embedded.Elem()
			}

			if embedded.Kind() == reflect.Struct {
				collectFieldNames(embedded, names)
				continue
			}
		}

		if !f.IsExported() {
			continue
		}

		if name == "" {
			name = f.Name
		}

		names[name] = struct{}{}
	}
}

// fromFields rebuilds an aggregate, rejecting fields T does not declare.
func fromFields[T any](fields map[string]json.RawMessage) (T, error) {
	var out T

	data, err := json.Marshal(fields)
	if err != nil {
		return out, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&out); err != nil {
		return out, err
	}

	return out, nil
}

// sameJSON compares two encoded values structurally.
func sameJSON(a, b json.RawMessage) bool {
	var x, y any

	if err := json.Unmarshal(a, &x); err != nil {
		return false
	}

	if err := json.Unmarshal(b, &y); err != nil {
		return false
	}

	return reflect.DeepEqual(x, y)
}

// diffFields returns the top-level fields whose values differ between a and b.
func diffFields(a, b map[string]json.RawMessage) []string {
	var changed []string

	for k, av := range a {
		bv, ok := b[k]
		if !ok || !sameJSON(av, bv) {
			changed = append(changed, k)
		}
	}

	for k := range b {
		if _, ok := a[k]; !ok {
			changed = append(changed, k)
		}
	}

	return changed
}
