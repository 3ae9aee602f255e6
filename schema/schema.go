// Package schema describes the declared shape of indexed records.
//
// A Descriptor is what a registration validates its field path against:
// it says "records of this model are structs with these fields" (or maps,
// lists, scalars) without needing an instance. Descriptors persist as JSON
// in the metadata partition, so a restarted process validates against the
// same shape it registered with.
package schema

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

type Kind string

const (
	Any    Kind = "any"
	Bool   Kind = "bool"
	Int    Kind = "int"
	Float  Kind = "float"
	String Kind = "string"
	Time   Kind = "time"
	List   Kind = "list"
	Map    Kind = "map"
	Struct Kind = "struct"
)

// Descriptor is a declared type. Elem is the element type of a List or the
// value type of a Map; Fields are the declared fields of a Struct.
type Descriptor struct {
	Kind   Kind                   `json:"kind"`
	Elem   *Descriptor            `json:"elem,omitempty"`
	Fields map[string]*Descriptor `json:"fields,omitempty"`
}

func Scalar(k Kind) *Descriptor { return &Descriptor{Kind: k} }

func ListOf(elem *Descriptor) *Descriptor { return &Descriptor{Kind: List, Elem: elem} }

func MapOf(value *Descriptor) *Descriptor { return &Descriptor{Kind: Map, Elem: value} }

func StructOf(fields map[string]*Descriptor) *Descriptor {
	return &Descriptor{Kind: Struct, Fields: fields}
}

func (d *Descriptor) Valid() bool {
	if d == nil {
		return false
	}
	switch d.Kind {
	case Any, Bool, Int, Float, String, Time:
		return true
	case List, Map:
		return d.Elem == nil || d.Elem.Valid()
	case Struct:
		for _, f := range d.Fields {
			if !f.Valid() {
				return false
			}
		}
		return true
	}
	return false
}

func (d *Descriptor) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

func Unmarshal(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

var timeType = reflect.TypeOf(time.Time{})

// FromType derives a Descriptor from a Go type by reflection. Struct field
// names follow encoding/json conventions: a json tag wins over the field
// name, "-" skips the field.
func FromType(t reflect.Type) *Descriptor {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return Scalar(Any)
	}
	if t == timeType {
		return Scalar(Time)
	}
	switch t.Kind() {
	case reflect.Bool:
		return Scalar(Bool)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Scalar(Int)
	case reflect.Float32, reflect.Float64:
		return Scalar(Float)
	case reflect.String:
		return Scalar(String)
	case reflect.Slice, reflect.Array:
		return ListOf(FromType(t.Elem()))
	case reflect.Map:
		return MapOf(FromType(t.Elem()))
	case reflect.Struct:
		fields := make(map[string]*Descriptor, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			if tag, ok := f.Tag.Lookup("json"); ok {
				tag, _, _ = strings.Cut(tag, ",")
				if tag == "-" {
					continue
				}
				if tag != "" {
					name = tag
				}
			}
			fields[name] = FromType(f.Type)
		}
		return StructOf(fields)
	default:
		return Scalar(Any)
	}
}

// Of is FromType over a value.
func Of(v any) *Descriptor {
	if v == nil {
		return Scalar(Any)
	}
	return FromType(reflect.TypeOf(v))
}
