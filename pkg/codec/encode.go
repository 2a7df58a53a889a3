// Package codec implements the deterministic binary encoding used for
// persisted ledger records and bridged messages.
//
// Encoding rules:
//   - unsigned and signed integers: fixed width, little-endian
//   - bool: one byte, 0x00 or 0x01
//   - []byte and string: uint32 length prefix followed by the raw bytes
//   - arrays: elements back to back, no prefix
//   - slices: uint32 length prefix followed by the elements
//   - pointers: one marker byte (0 nil, 1 present) followed by the element
//   - structs: exported fields in declaration order; fields tagged
//     `codec:"-"` are skipped
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"reflect"
)

// Marshaler is the interface implemented by types that can marshal themselves
// into valid encoded data.
type Marshaler interface {
	MarshalBinaryCodec() ([]byte, error)
}

func Marshal(v interface{}) ([]byte, error) {
	buffer := bytes.NewBuffer(nil)
	bw := byteWriter{Writer: buffer}
	if err := bw.marshal(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

type byteWriter struct {
	io.Writer
}

var marshalerType = reflect.TypeOf((*Marshaler)(nil)).Elem()

func (bw *byteWriter) marshal(v reflect.Value) error {
	if !v.IsValid() {
		return fmt.Errorf(ErrUnsupportedType, nil)
	}
	if v.Type().Implements(marshalerType) && (v.Kind() != reflect.Ptr || !v.IsNil()) {
		b, err := v.Interface().(Marshaler).MarshalBinaryCodec()
		if err != nil {
			return err
		}
		_, err = bw.Write(b)
		return err
	}

	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return bw.write([]byte{1})
		}
		return bw.write([]byte{0})
	case reflect.Uint8:
		return bw.write([]byte{uint8(v.Uint())})
	case reflect.Uint16:
		return bw.write(binary.LittleEndian.AppendUint16(nil, uint16(v.Uint())))
	case reflect.Uint32:
		return bw.write(binary.LittleEndian.AppendUint32(nil, uint32(v.Uint())))
	case reflect.Uint64, reflect.Uint:
		return bw.write(binary.LittleEndian.AppendUint64(nil, v.Uint()))
	case reflect.Int8:
		return bw.write([]byte{uint8(v.Int())})
	case reflect.Int16:
		return bw.write(binary.LittleEndian.AppendUint16(nil, uint16(v.Int())))
	case reflect.Int32:
		return bw.write(binary.LittleEndian.AppendUint32(nil, uint32(v.Int())))
	case reflect.Int64, reflect.Int:
		return bw.write(binary.LittleEndian.AppendUint64(nil, uint64(v.Int())))
	case reflect.String:
		return bw.encodeBytes([]byte(v.String()))
	case reflect.Ptr:
		if v.IsNil() {
			return bw.write([]byte{0})
		}
		if err := bw.write([]byte{1}); err != nil {
			return err
		}
		return bw.marshal(v.Elem())
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return bw.write(b)
		}
		for i := 0; i < v.Len(); i++ {
			if err := bw.marshal(v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return bw.encodeBytes(v.Bytes())
		}
		if err := bw.encodeLength(v.Len()); err != nil {
			return err
		}
		for i := 0; i < v.Len(); i++ {
			if err := bw.marshal(v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Struct:
		return bw.encodeStruct(v)
	default:
		return fmt.Errorf(ErrUnsupportedType, v.Type())
	}
}

func (bw *byteWriter) encodeStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || field.Tag.Get("codec") == "-" {
			continue
		}
		if err := bw.marshal(v.Field(i)); err != nil {
			return fmt.Errorf(ErrEncodingStructField, field.Name, err)
		}
	}
	return nil
}

func (bw *byteWriter) encodeBytes(b []byte) error {
	if err := bw.encodeLength(len(b)); err != nil {
		return err
	}
	return bw.write(b)
}

func (bw *byteWriter) encodeLength(l int) error {
	if l > math.MaxUint32 {
		return ErrLengthLimit
	}
	return bw.write(binary.LittleEndian.AppendUint32(nil, uint32(l)))
}

func (bw *byteWriter) write(b []byte) error {
	_, err := bw.Write(b)
	return err
}
