// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Type names of the native composites. These are protocol constants
// shared with the peer.
const (
	TypeVector2  = "Vector2"
	TypeVector3  = "Vector3"
	TypeColor    = "Color3"
	TypeUDim2    = "UDim2"
	TypeEnumItem = "EnumItem"
)

// RegisterNative installs decoders for every native type in this
// package.
func RegisterNative(codec *Codec) {
	codec.Register(TypeVector2, decodeVector2)
	codec.Register(TypeVector3, decodeVector3)
	codec.Register(TypeColor, decodeColor)
	codec.Register(TypeUDim2, decodeUDim2)
	codec.Register(TypeEnumItem, decodeEnumItem)
}

// Vector2 is a two-component vector.
type Vector2 struct {
	X, Y float64
}

func (v Vector2) CompositeType() string { return TypeVector2 }
func (v Vector2) CompositeValue() any   { return []float64{v.X, v.Y} }

func decodeVector2(value any) (any, bool) {
	components, ok := numbers(value, 2)
	if !ok {
		return nil, false
	}
	return Vector2{X: components[0], Y: components[1]}, true
}

// Vector3 is a three-component vector.
type Vector3 struct {
	X, Y, Z float64
}

func (v Vector3) CompositeType() string { return TypeVector3 }
func (v Vector3) CompositeValue() any   { return []float64{v.X, v.Y, v.Z} }

func decodeVector3(value any) (any, bool) {
	components, ok := numbers(value, 3)
	if !ok {
		return nil, false
	}
	return Vector3{X: components[0], Y: components[1], Z: components[2]}, true
}

// Color is an RGB color with 8-bit channels.
type Color struct {
	R, G, B uint8
}

// ColorFromFloats builds a Color from unit-range channels, clamping to
// [0, 1] and rounding to the nearest 8-bit value.
func ColorFromFloats(r, g, b float64) Color {
	return Color{R: channel(r * 255), G: channel(g * 255), B: channel(b * 255)}
}

func (c Color) CompositeType() string { return TypeColor }
func (c Color) CompositeValue() any {
	return []float64{float64(c.R), float64(c.G), float64(c.B)}
}

// decodeColor accepts any numbers and clamps/rounds them, since the
// peer may produce channels from floating-point arithmetic.
func decodeColor(value any) (any, bool) {
	components, ok := numbers(value, 3)
	if !ok {
		return nil, false
	}
	return Color{R: channel(components[0]), G: channel(components[1]), B: channel(components[2])}, true
}

func channel(value float64) uint8 {
	if math.IsNaN(value) {
		return 0
	}
	return uint8(math.Max(0, math.Min(255, math.Round(value))))
}

// UDim2 is a two-axis scale-plus-offset dimension.
type UDim2 struct {
	XScale  float64
	XOffset float64
	YScale  float64
	YOffset float64
}

func (u UDim2) CompositeType() string { return TypeUDim2 }
func (u UDim2) CompositeValue() any {
	return []float64{u.XScale, u.XOffset, u.YScale, u.YOffset}
}

func decodeUDim2(value any) (any, bool) {
	components, ok := numbers(value, 4)
	if !ok {
		return nil, false
	}
	return UDim2{XScale: components[0], XOffset: components[1], YScale: components[2], YOffset: components[3]}, true
}

// EnumItem names one member of an engine enumeration. Its tagged form
// is the string "Enum.<Type>.<Name>".
type EnumItem struct {
	Type string
	Name string
}

func (e EnumItem) CompositeType() string { return TypeEnumItem }
func (e EnumItem) CompositeValue() any   { return e.String() }

func (e EnumItem) String() string {
	return fmt.Sprintf("Enum.%s.%s", e.Type, e.Name)
}

func decodeEnumItem(value any) (any, bool) {
	text, ok := value.(string)
	if !ok {
		return nil, false
	}
	parts := strings.Split(text, ".")
	if len(parts) != 3 || parts[0] != "Enum" || parts[1] == "" || parts[2] == "" {
		return nil, false
	}
	return EnumItem{Type: parts[1], Name: parts[2]}, true
}

// numbers extracts exactly count numbers from a flat "_v" member.
// Accepts the shapes produced by Tag ([]any of float64), encoding/json
// ([]any of float64 or json.Number) and CBOR ([]any of integers and
// floats).
func numbers(value any, count int) ([]float64, bool) {
	var elements []any
	switch typed := value.(type) {
	case []any:
		elements = typed
	case []float64:
		if len(typed) != count {
			return nil, false
		}
		return typed, true
	default:
		return nil, false
	}
	if len(elements) != count {
		return nil, false
	}
	result := make([]float64, count)
	for index, element := range elements {
		number, ok := toFloat(element)
		if !ok {
			return nil, false
		}
		result[index] = number
	}
	return result, true
}

func toFloat(value any) (float64, bool) {
	switch number := value.(type) {
	case float64:
		return number, true
	case float32:
		return float64(number), true
	case int:
		return float64(number), true
	case int64:
		return float64(number), true
	case int32:
		return float64(number), true
	case uint64:
		return float64(number), true
	case uint32:
		return float64(number), true
	case uint8:
		return float64(number), true
	case json.Number:
		parsed, err := number.Float64()
		return parsed, err == nil
	}
	return 0, false
}
