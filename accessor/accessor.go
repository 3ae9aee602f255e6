// Package accessor resolves field paths against live records and validates
// them against declared types.
//
// Records come in three shapes: mappings (map[string]any and friends),
// sequences ([]any, slices, arrays) and structured records (structs).
// Resolution dispatches on the segment kind and the capability of the
// value at hand; any miss — absent key, out-of-range index, shape that
// cannot satisfy the segment — yields nil rather than an error, so a
// record without the field is simply indexed under null.
package accessor

import (
	"reflect"
	"strings"

	"github.com/arcstep/indexedkv/fieldpath"
)

// FieldValue walks segments from the root of obj. It never fails: a path
// that does not resolve returns nil.
func FieldValue(obj any, segments []fieldpath.Segment) any {
	cur := obj
	for _, seg := range segments {
		if cur == nil {
			return nil
		}
		switch seg.Kind {
		case fieldpath.Sequence:
			cur = seqIndex(cur, seg.Index)
		case fieldpath.Mapping:
			cur = mapKey(cur, seg.Name)
		case fieldpath.Attribute:
			cur = attribute(cur, seg.Name)
		default:
			return nil
		}
	}
	return cur
}

func seqIndex(obj any, i int) any {
	if s, ok := obj.([]any); ok {
		if i >= len(s) {
			return nil
		}
		return s[i]
	}
	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil
	}
	if i >= v.Len() {
		return nil
	}
	return v.Index(i).Interface()
}

func mapKey(obj any, key string) any {
	if m, ok := obj.(map[string]any); ok {
		return m[key]
	}
	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Map || v.Type().Key().Kind() != reflect.String {
		return nil
	}
	e := v.MapIndex(reflect.ValueOf(key).Convert(v.Type().Key()))
	if !e.IsValid() {
		return nil
	}
	return e.Interface()
}

// attribute resolves on structs by field name (json tag aware) and, since
// records round-trip through JSON into maps, on string-keyed maps as well.
func attribute(obj any, name string) any {
	if m, ok := obj.(map[string]any); ok {
		return m[name]
	}
	v := reflect.ValueOf(obj)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Map:
		return mapKey(v.Interface(), name)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			if fieldName(f) == name {
				return v.Field(i).Interface()
			}
		}
		return nil
	}
	return nil
}

func fieldName(f reflect.StructField) string {
	if tag, ok := f.Tag.Lookup("json"); ok {
		tag, _, _ = strings.Cut(tag, ",")
		if tag == "-" {
			return ""
		}
		if tag != "" {
			return tag
		}
	}
	return f.Name
}
