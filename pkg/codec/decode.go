package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"reflect"
)

// Unmarshaler is implemented by types that decode themselves. The reader is
// positioned at the start of the value.
type Unmarshaler interface {
	UnmarshalBinaryCodec(r io.Reader) error
}

// Unmarshal decodes data into dst, which must be a non-nil pointer. Every
// byte of data must be consumed.
func Unmarshal(data []byte, dst interface{}) error {
	dstv := reflect.ValueOf(dst)
	if dstv.Kind() != reflect.Ptr || dstv.IsNil() {
		return fmt.Errorf(ErrUnsupportedType, dst)
	}

	buf := bytes.NewReader(data)
	br := byteReader{Reader: buf}
	if err := br.unmarshal(dstv.Elem()); err != nil {
		return err
	}
	if buf.Len() != 0 {
		return ErrTrailingBytes
	}
	return nil
}

type byteReader struct {
	io.Reader
}

var unmarshalerType = reflect.TypeOf((*Unmarshaler)(nil)).Elem()

func (br *byteReader) unmarshal(v reflect.Value) error {
	if v.CanAddr() && v.Addr().Type().Implements(unmarshalerType) {
		return v.Addr().Interface().(Unmarshaler).UnmarshalBinaryCodec(br.Reader)
	}

	switch v.Kind() {
	case reflect.Bool:
		b, err := br.read(1)
		if err != nil {
			return err
		}
		switch b[0] {
		case 0:
			v.SetBool(false)
		case 1:
			v.SetBool(true)
		default:
			return ErrDecodingBool
		}
		return nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
		u, err := br.readUint(v.Type().Size())
		if err != nil {
			return err
		}
		v.SetUint(u)
		return nil
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
		size := v.Type().Size()
		u, err := br.readUint(size)
		if err != nil {
			return err
		}
		// sign extend
		shift := 64 - 8*size
		v.SetInt(int64(u<<shift) >> shift)
		return nil
	case reflect.String:
		b, err := br.decodeBytes()
		if err != nil {
			return err
		}
		v.SetString(string(b))
		return nil
	case reflect.Ptr:
		marker, err := br.read(1)
		if err != nil {
			return err
		}
		switch marker[0] {
		case 0:
			v.Set(reflect.Zero(v.Type()))
			return nil
		case 1:
			elem := reflect.New(v.Type().Elem())
			if err := br.unmarshal(elem.Elem()); err != nil {
				return err
			}
			v.Set(elem)
			return nil
		default:
			return ErrInvalidPointer
		}
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := br.read(uint64(v.Len()))
			if err != nil {
				return err
			}
			reflect.Copy(v, reflect.ValueOf(b))
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := br.unmarshal(v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := br.decodeBytes()
			if err != nil {
				return err
			}
			v.SetBytes(b)
			return nil
		}
		l, err := br.decodeLength()
		if err != nil {
			return err
		}
		if l == 0 {
			v.Set(reflect.Zero(v.Type()))
			return nil
		}
		if err := br.fits(l, minEncodedSize(v.Type().Elem())); err != nil {
			return err
		}
		s := reflect.MakeSlice(v.Type(), int(l), int(l))
		for i := 0; i < int(l); i++ {
			if err := br.unmarshal(s.Index(i)); err != nil {
				return err
			}
		}
		v.Set(s)
		return nil
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() || field.Tag.Get("codec") == "-" {
				continue
			}
			if err := br.unmarshal(v.Field(i)); err != nil {
				return fmt.Errorf(ErrDecodingStructField, field.Name, err)
			}
		}
		return nil
	default:
		return fmt.Errorf(ErrUnsupportedType, v.Type())
	}
}

func (br *byteReader) decodeLength() (uint32, error) {
	u, err := br.readUint(4)
	if err != nil {
		return 0, err
	}
	if u > MaxLength {
		return 0, ErrLengthLimit
	}
	return uint32(u), nil
}

func (br *byteReader) decodeBytes() ([]byte, error) {
	l, err := br.decodeLength()
	if err != nil {
		return nil, err
	}
	if l == 0 {
		return nil, nil
	}
	if err := br.fits(l, 1); err != nil {
		return nil, err
	}
	return br.read(uint64(l))
}

// fits checks that n elements of at least size bytes each can still be read,
// before anything is allocated for them. Readers that cannot report their
// remaining length are only bounded by MaxLength.
func (br *byteReader) fits(n uint32, size int) error {
	lr, ok := br.Reader.(interface{ Len() int })
	if !ok || size == 0 {
		return nil
	}
	if need := uint64(n) * uint64(size); need > uint64(lr.Len()) {
		return fmt.Errorf("%w: %d elements need at least %d bytes, %d left", ErrLengthLimit, n, need, lr.Len())
	}
	return nil
}

// minEncodedSize is the fewest bytes a value of type t encodes to. Types that
// decode themselves report 0, meaning unknown.
func minEncodedSize(t reflect.Type) int {
	if reflect.PointerTo(t).Implements(unmarshalerType) {
		return 0
	}
	switch t.Kind() {
	case reflect.Bool:
		return 1
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint,
		reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
		return int(t.Size())
	case reflect.String, reflect.Slice:
		return 4
	case reflect.Ptr:
		return 1
	case reflect.Array:
		return t.Len() * minEncodedSize(t.Elem())
	case reflect.Struct:
		size := 0
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() || field.Tag.Get("codec") == "-" {
				continue
			}
			size += minEncodedSize(field.Type)
		}
		return size
	default:
		return 0
	}
}

func (br *byteReader) readUint(size uintptr) (uint64, error) {
	b, err := br.read(uint64(size))
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (br *byteReader) read(n uint64) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(br.Reader, b); err != nil {
		return nil, fmt.Errorf(ErrReadingBytes, err)
	}
	return b, nil
}
