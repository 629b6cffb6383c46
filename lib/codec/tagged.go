// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

const (
	// TypeKey and ValueKey are the two members of a tagged value.
	TypeKey  = "_t"
	ValueKey = "_v"

	// UnknownType tags values that have no encoding rule. The value
	// member holds the value's default string formatting.
	UnknownType = "_unknown"
)

// Composite is implemented by native types that have a tagged form.
// CompositeValue must return a flat value: []float64 or string.
type Composite interface {
	CompositeType() string
	CompositeValue() any
}

// DecodeFunc rebuilds a native value from the "_v" member of a tagged
// value. It returns false when the member has the wrong shape, in which
// case the tagged map is kept.
type DecodeFunc func(value any) (any, bool)

// Codec holds the decoders known on one side of the bridge. Safe for
// concurrent use; each bridge owns its own instance.
type Codec struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

// New returns a codec with no decoders. Every tagged value passes
// through Untag unchanged.
func New() *Codec {
	return &Codec{decoders: make(map[string]DecodeFunc)}
}

// NewNative returns a codec with decoders for every native type in
// this package.
func NewNative() *Codec {
	codec := New()
	RegisterNative(codec)
	return codec
}

// Register installs the decoder for typeName, replacing any previous
// one.
func (c *Codec) Register(typeName string, decode DecodeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decoders[typeName] = decode
}

// Registered reports whether a decoder exists for typeName.
func (c *Codec) Registered(typeName string) bool {
	return c.decoder(typeName) != nil
}

func (c *Codec) decoder(typeName string) DecodeFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.decoders[typeName]
}

// Tag is the package-level Tag. Encoding needs no registry.
func (c *Codec) Tag(value any) any { return Tag(value) }

// Encode tags value and serializes it as JSON.
func (c *Codec) Encode(value any) ([]byte, error) {
	data, err := json.Marshal(Tag(value))
	if err != nil {
		return nil, fmt.Errorf("codec: encoding: %w", err)
	}
	return data, nil
}

// Decode parses JSON and untags the result.
func (c *Codec) Decode(data []byte) (any, error) {
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("codec: decoding: %w", err)
	}
	return c.Untag(parsed), nil
}

// Untag rebuilds native values from tagged maps found anywhere in
// value. Tagged maps without a registered decoder, or whose decoder
// rejects them, are returned unchanged. Other maps and slices are
// copied, never modified in place.
func (c *Codec) Untag(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		if typeName, ok := taggedType(typed); ok {
			if decode := c.decoder(typeName); decode != nil {
				if native, ok := decode(typed[ValueKey]); ok {
					return native
				}
			}
			return typed
		}
		result := make(map[string]any, len(typed))
		for key, element := range typed {
			result[key] = c.Untag(element)
		}
		return result
	case []any:
		result := make([]any, len(typed))
		for index, element := range typed {
			result[index] = c.Untag(element)
		}
		return result
	}
	return value
}

// Tag converts value to its JSON-safe tagged form. See the package
// documentation for the rules.
func Tag(value any) any {
	switch typed := value.(type) {
	case nil, string, bool, json.Number,
		float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return value
	case Composite:
		// A nil *Vector3 satisfies Composite through the value method
		// set; it encodes as null like any other nil pointer.
		if isNilPointer(typed) {
			return nil
		}
		return tagComposite(typed)
	case map[string]any:
		if _, ok := taggedType(typed); ok {
			return typed
		}
		result := make(map[string]any, len(typed))
		for key, element := range typed {
			result[key] = Tag(element)
		}
		return result
	case []any:
		result := make([]any, len(typed))
		for index, element := range typed {
			result[index] = Tag(element)
		}
		return result
	case []byte:
		return value
	}
	return tagContainer(value)
}

// tagContainer handles typed containers ([]float64, map[string]int,
// named slices), structs, and named primitives by kind. Everything
// else is unknown.
func tagContainer(value any) any {
	reflected := reflect.ValueOf(value)
	switch reflected.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return value
	case reflect.Slice, reflect.Array:
		if reflected.Kind() == reflect.Slice && reflected.IsNil() {
			return nil
		}
		result := make([]any, reflected.Len())
		for index := range result {
			result[index] = Tag(reflected.Index(index).Interface())
		}
		return result
	case reflect.Map:
		if reflected.Type().Key().Kind() != reflect.String {
			break
		}
		if reflected.IsNil() {
			return nil
		}
		result := make(map[string]any, reflected.Len())
		iterator := reflected.MapRange()
		for iterator.Next() {
			result[iterator.Key().String()] = Tag(iterator.Value().Interface())
		}
		return result
	case reflect.Pointer, reflect.Interface:
		if reflected.IsNil() {
			return nil
		}
		return Tag(reflected.Elem().Interface())
	case reflect.Struct:
		if marshalsItself(value) {
			return tagMarshaled(value)
		}
		result := make(map[string]any)
		tagFields(reflected, result)
		return result
	}
	return unknown(value)
}

func isNilPointer(value any) bool {
	reflected := reflect.ValueOf(value)
	return reflected.Kind() == reflect.Pointer && reflected.IsNil()
}

// marshalsItself reports whether encoding/json would defer to the
// value's own marshaling (time.Time, for example).
func marshalsItself(value any) bool {
	switch value.(type) {
	case json.Marshaler, encoding.TextMarshaler:
		return true
	}
	return false
}

// tagMarshaled converts a self-marshaling value to the generic form
// encoding/json would give it.
func tagMarshaled(value any) any {
	data, err := json.Marshal(value)
	if err != nil {
		return unknown(value)
	}
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return unknown(value)
	}
	return parsed
}

// tagFields writes the exported fields of a struct into result under
// their JSON names, following the encoding/json field rules: a "-" tag
// skips the field, omitempty and omitzero drop empty values, and the
// fields of untagged embedded structs are promoted. Earlier
// fields win name collisions, and a field of the outer struct always
// wins over a promoted one.
func tagFields(structValue reflect.Value, result map[string]any) {
	structType := structValue.Type()
	var embedded []reflect.Value
	for index := range structType.NumField() {
		field := structType.Field(index)
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, options, _ := strings.Cut(tag, ",")
		fieldValue := structValue.Field(index)

		if field.Anonymous && name == "" {
			target := fieldValue
			if target.Kind() == reflect.Pointer {
				if target.IsNil() {
					continue
				}
				target = target.Elem()
			}
			if target.Kind() == reflect.Struct {
				embedded = append(embedded, target)
				continue
			}
		}
		if !field.IsExported() {
			continue
		}
		if name == "" {
			name = field.Name
		}
		if _, taken := result[name]; taken {
			continue
		}
		if hasOption(options, "omitempty") && isEmptyValue(fieldValue) {
			continue
		}
		if hasOption(options, "omitzero") && fieldValue.IsZero() {
			continue
		}
		result[name] = Tag(fieldValue.Interface())
	}

	for _, inner := range embedded {
		promoted := make(map[string]any)
		tagFields(inner, promoted)
		for name, element := range promoted {
			if _, taken := result[name]; !taken {
				result[name] = element
			}
		}
	}
}

func hasOption(options, option string) bool {
	for options != "" {
		var current string
		current, options, _ = strings.Cut(options, ",")
		if current == option {
			return true
		}
	}
	return false
}

// isEmptyValue matches encoding/json's definition of empty for
// omitempty.
func isEmptyValue(value reflect.Value) bool {
	switch value.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return value.Len() == 0
	case reflect.Bool:
		return !value.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return value.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return value.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return value.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return value.IsNil()
	}
	return false
}

func tagComposite(composite Composite) any {
	switch flat := composite.CompositeValue().(type) {
	case string:
		return tagged(composite.CompositeType(), flat)
	case []float64:
		numbers := make([]any, len(flat))
		for index, number := range flat {
			numbers[index] = number
		}
		return tagged(composite.CompositeType(), numbers)
	}
	return unknown(composite)
}

func tagged(typeName string, value any) map[string]any {
	return map[string]any{TypeKey: typeName, ValueKey: value}
}

func unknown(value any) map[string]any {
	return tagged(UnknownType, fmt.Sprint(value))
}

// IsTagged reports whether value is a tagged map.
func IsTagged(value any) bool {
	table, ok := value.(map[string]any)
	if !ok {
		return false
	}
	_, ok = taggedType(table)
	return ok
}

// taggedType returns the "_t" member of a map holding exactly "_t" and
// "_v". A map with any other key is an ordinary table.
func taggedType(table map[string]any) (string, bool) {
	if len(table) != 2 {
		return "", false
	}
	typeName, ok := table[TypeKey].(string)
	if !ok {
		return "", false
	}
	if _, ok := table[ValueKey]; !ok {
		return "", false
	}
	return typeName, true
}
