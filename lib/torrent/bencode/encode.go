package bencode

import (
	"reflect"
	"sort"
	"strconv"
)

// Encoder is a bencoded stream encoder.
type Encoder struct {
	w interface {
		WriteByte(byte) error
		WriteString(string) (int, error)
		Flush() error
	}
}

// Encode encodes v onto the stream in bencode form.
func (e *Encoder) Encode(v interface{}) error {
	if err := e.encodeValue(reflect.ValueOf(v)); err != nil {
		return err
	}
	return e.w.Flush()
}

func (e *Encoder) writeString(s string) error {
	_, err := e.w.WriteString(s)
	return err
}

func (e *Encoder) encodeValue(v reflect.Value) error {
	if !v.IsValid() {
		// nil interface{} with no underlying type: encode nothing.
		return nil
	}

	if m, ok := marshalerFor(v); ok {
		data, err := m.MarshalBencode()
		if err != nil {
			return &MarshalerError{v.Type(), err}
		}
		return e.writeString(string(data))
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return e.encodeValue(reflect.Zero(v.Type().Elem()))
		}
		return e.encodeValue(v.Elem())
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return e.encodeValue(v.Elem())
	case reflect.Bool:
		if v.Bool() {
			return e.writeString("i1e")
		}
		return e.writeString("i0e")
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return e.writeString("i" + strconv.FormatInt(v.Int(), 10) + "e")
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return e.writeString("i" + strconv.FormatUint(v.Uint(), 10) + "e")
	case reflect.String:
		s := v.String()
		return e.writeString(strconv.Itoa(len(s)) + ":" + s)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := v.Bytes()
			if err := e.writeString(strconv.Itoa(len(b)) + ":"); err != nil {
				return err
			}
			return e.writeString(string(b))
		}
		return e.encodeList(v)
	case reflect.Array:
		return e.encodeList(v)
	case reflect.Map:
		return e.encodeMap(v)
	case reflect.Struct:
		return e.encodeStruct(v)
	default:
		return &MarshalTypeError{v.Type()}
	}
}

func marshalerFor(v reflect.Value) (Marshaler, bool) {
	if v.Kind() == reflect.Invalid {
		return nil, false
	}
	if m, ok := v.Interface().(Marshaler); ok {
		return m, true
	}
	if v.CanAddr() {
		if m, ok := v.Addr().Interface().(Marshaler); ok {
			return m, true
		}
	}
	return nil, false
}

func (e *Encoder) encodeList(v reflect.Value) error {
	if err := e.w.WriteByte('l'); err != nil {
		return err
	}
	for i := 0; i < v.Len(); i++ {
		if err := e.encodeValue(v.Index(i)); err != nil {
			return err
		}
	}
	return e.w.WriteByte('e')
}

func (e *Encoder) encodeMap(v reflect.Value) error {
	if v.Type().Key().Kind() != reflect.String {
		return &MarshalTypeError{v.Type()}
	}
	if err := e.w.WriteByte('d'); err != nil {
		return err
	}

	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, k := range keys {
		key := k.String()
		if err := e.writeString(strconv.Itoa(len(key)) + ":" + key); err != nil {
			return err
		}
		if err := e.encodeValue(v.MapIndex(k)); err != nil {
			return err
		}
	}
	return e.w.WriteByte('e')
}

type encodeField struct {
	key   string
	value reflect.Value
}

func (e *Encoder) encodeStruct(v reflect.Value) error {
	t := v.Type()

	var fields []encodeField
	for i, n := 0, t.NumField(); i < n; i++ {
		f := t.Field(i)
		if f.PkgPath != "" || f.Anonymous {
			continue
		}

		tag := f.Tag.Get("bencode")
		if tag == "-" {
			continue
		}

		name, opts := parseTag(tag)
		if name == "" {
			name = f.Name
		}

		fv := v.Field(i)
		if opts.contains("omitempty") && isEmptyValue(fv) {
			continue
		}

		fields = append(fields, encodeField{key: name, value: fv})
	}

	sort.Slice(fields, func(i, j int) bool { return fields[i].key < fields[j].key })

	if err := e.w.WriteByte('d'); err != nil {
		return err
	}
	for _, f := range fields {
		if err := e.writeString(strconv.Itoa(len(f.key)) + ":" + f.key); err != nil {
			return err
		}
		if err := e.encodeValue(f.value); err != nil {
			return err
		}
	}
	return e.w.WriteByte('e')
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Ptr:
		return v.IsNil()
	}
	return false
}
