package bencode

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Marshal encodes v, a struct (or pointer to struct) whose fields carry
// `bencode:"name"` tags, into canonical bencode bytes. Fields tagged
// `,omitempty` are skipped when they hold their zero value. The
// struct-tag API shape follows github.com/zeebo/bencode.
func Marshal(v interface{}) ([]byte, error) {
	val, err := marshalValue(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return Encode(val), nil
}

func marshalValue(rv reflect.Value) (Value, error) {
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return Value{Kind: KindString}, nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.String:
		return Value{Kind: KindString, Str: []byte(rv.String())}, nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return Value{Kind: KindString, Str: append([]byte(nil), rv.Bytes()...)}, nil
		}
		list := make([]Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			v, err := marshalValue(rv.Index(i))
			if err != nil {
				return Value{}, err
			}
			list[i] = v
		}
		return Value{Kind: KindList, List: list}, nil
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return Value{Kind: KindString, Str: b}, nil
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Value{Kind: KindInt, Int: rv.Int()}, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Value{Kind: KindInt, Int: int64(rv.Uint())}, nil
	case reflect.Bool:
		n := int64(0)
		if rv.Bool() {
			n = 1
		}
		return Value{Kind: KindInt, Int: n}, nil
	case reflect.Map:
		pairs := make(map[string]Value, rv.Len())
		var keys []string
		iter := rv.MapRange()
		for iter.Next() {
			k := fmt.Sprintf("%v", iter.Key().Interface())
			v, err := marshalValue(iter.Value())
			if err != nil {
				return Value{}, err
			}
			pairs[k] = v
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return Value{Kind: KindDict, Dict: pairs, DictKeys: keys}, nil
	case reflect.Struct:
		return marshalStruct(rv)
	}
	return Value{}, fmt.Errorf("bencode: cannot marshal kind %s", rv.Kind())
}

func marshalStruct(rv reflect.Value) (Value, error) {
	rt := rv.Type()
	pairs := make(map[string]Value)
	var keys []string
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if field.PkgPath != "" {
			continue // unexported
		}
		tag := field.Tag.Get("bencode")
		if tag == "-" {
			continue
		}
		name, omitempty := parseTag(tag, field.Name)
		fv := rv.Field(i)
		if omitempty && isZero(fv) {
			continue
		}
		v, err := marshalValue(fv)
		if err != nil {
			return Value{}, err
		}
		pairs[name] = v
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return Value{Kind: KindDict, Dict: pairs, DictKeys: keys}, nil
}

func parseTag(tag, fieldName string) (name string, omitempty bool) {
	if tag == "" {
		return fieldName, false
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	if name == "" {
		name = fieldName
	}
	for _, p := range parts[1:] {
		if p == "omitempty" {
			omitempty = true
		}
	}
	return name, omitempty
}

func isZero(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	case reflect.Slice, reflect.Map:
		return rv.Len() == 0
	case reflect.String:
		return rv.Len() == 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() == 0
	case reflect.Bool:
		return !rv.Bool()
	case reflect.Array:
		return rv.IsZero()
	default:
		return false
	}
}

// Unmarshal decodes a single bencoded value from b into v, a pointer to a
// struct/map/slice/string/int destination with matching `bencode` tags.
func Unmarshal(b []byte, v interface{}) error {
	val, _, err := Decode(b)
	if err != nil {
		return err
	}
	return unmarshalValue(val, reflect.ValueOf(v))
}

func unmarshalValue(val Value, rv reflect.Value) error {
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("bencode: unmarshal target must be a non-nil pointer")
	}
	rv = rv.Elem()
	switch rv.Kind() {
	case reflect.String:
		if val.Kind != KindString {
			return fmt.Errorf("bencode: expected string")
		}
		rv.SetString(string(val.Str))
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			if val.Kind != KindString {
				return fmt.Errorf("bencode: expected string for byte slice")
			}
			rv.SetBytes(append([]byte(nil), val.Str...))
			return nil
		}
		if val.Kind != KindList {
			return fmt.Errorf("bencode: expected list")
		}
		out := reflect.MakeSlice(rv.Type(), len(val.List), len(val.List))
		for i, item := range val.List {
			if err := unmarshalValue(item, out.Index(i).Addr()); err != nil {
				return err
			}
		}
		rv.Set(out)
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			if val.Kind != KindString || len(val.Str) != rv.Len() {
				return fmt.Errorf("bencode: expected %d-byte string", rv.Len())
			}
			reflect.Copy(rv, reflect.ValueOf(val.Str))
			return nil
		}
		return fmt.Errorf("bencode: unsupported array element kind %s", rv.Type().Elem().Kind())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if val.Kind != KindInt {
			return fmt.Errorf("bencode: expected integer")
		}
		rv.SetInt(val.Int)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if val.Kind != KindInt {
			return fmt.Errorf("bencode: expected integer")
		}
		rv.SetUint(uint64(val.Int))
	case reflect.Bool:
		if val.Kind != KindInt {
			return fmt.Errorf("bencode: expected integer for bool")
		}
		rv.SetBool(val.Int != 0)
	case reflect.Ptr:
		if val.Kind == KindString && len(val.Str) == 0 {
			return nil
		}
		newVal := reflect.New(rv.Type().Elem())
		if err := unmarshalValue(val, newVal); err != nil {
			return err
		}
		rv.Set(newVal)
	case reflect.Struct:
		if val.Kind != KindDict {
			return fmt.Errorf("bencode: expected dict for struct")
		}
		rt := rv.Type()
		for i := 0; i < rt.NumField(); i++ {
			field := rt.Field(i)
			if field.PkgPath != "" {
				continue
			}
			tag := field.Tag.Get("bencode")
			if tag == "-" {
				continue
			}
			name, _ := parseTag(tag, field.Name)
			dv, ok := val.Dict[name]
			if !ok {
				continue
			}
			if err := unmarshalValue(dv, rv.Field(i).Addr()); err != nil {
				return fmt.Errorf("bencode: field %q: %w", name, err)
			}
		}
	case reflect.Map:
		if val.Kind != KindDict {
			return fmt.Errorf("bencode: expected dict for map")
		}
		mt := rv.Type()
		out := reflect.MakeMapWithSize(mt, len(val.Dict))
		for k, dv := range val.Dict {
			kv := reflect.New(mt.Key()).Elem()
			kv.SetString(k)
			vv := reflect.New(mt.Elem())
			if err := unmarshalValue(dv, vv); err != nil {
				return err
			}
			out.SetMapIndex(kv, vv.Elem())
		}
		rv.Set(out)
	default:
		return fmt.Errorf("bencode: cannot unmarshal into kind %s", rv.Kind())
	}
	return nil
}
