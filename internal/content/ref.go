// Package content handles references into the external content-addressed
// store. A reference is a CID; the protocol never dereferences it.
package content

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var ErrInvalidRef = errors.New("invalid content reference")

// maxRefSize bounds an encoded CID; real CIDs are well under 100 bytes.
const maxRefSize = 256

// Ref is an opaque pointer to an article in a content-addressed store.
type Ref struct {
	c cid.Cid
}

// ParseRef parses the string form of a CID (v0 or v1).
func ParseRef(s string) (Ref, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	return Ref{c: c}, nil
}

// RefFromBytes casts the binary form of a CID.
func RefFromBytes(b []byte) (Ref, error) {
	c, err := cid.Cast(b)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	return Ref{c: c}, nil
}

// RefForData returns the CIDv1 (raw codec, sha2-256) of data.
func RefForData(data []byte) (Ref, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return Ref{}, err
	}
	return Ref{c: cid.NewCidV1(cid.Raw, sum)}, nil
}

func (r Ref) Defined() bool {
	return r.c.Defined()
}

func (r Ref) String() string {
	if !r.c.Defined() {
		return ""
	}
	return r.c.String()
}

func (r Ref) Bytes() []byte {
	if !r.c.Defined() {
		return nil
	}
	return r.c.Bytes()
}

func (r Ref) Equals(o Ref) bool {
	return r.c.Equals(o.c)
}

// Matches reports whether data hashes to this reference.
func (r Ref) Matches(data []byte) bool {
	if !r.c.Defined() {
		return false
	}
	sum, err := r.c.Prefix().Sum(data)
	if err != nil {
		return false
	}
	return sum.Equals(r.c)
}

func (r Ref) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Ref) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*r = Ref{}
		return nil
	}
	parsed, err := ParseRef(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// MarshalBinaryCodec encodes the reference as a length-prefixed CID.
func (r Ref) MarshalBinaryCodec() ([]byte, error) {
	b := r.Bytes()
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(b)))
	return append(out, b...), nil
}

func (r *Ref) UnmarshalBinaryCodec(rd io.Reader) error {
	var size uint32
	if err := binary.Read(rd, binary.LittleEndian, &size); err != nil {
		return err
	}
	if size == 0 {
		*r = Ref{}
		return nil
	}
	if size > maxRefSize {
		return fmt.Errorf("%w: %d byte cid", ErrInvalidRef, size)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(rd, b); err != nil {
		return err
	}
	parsed, err := RefFromBytes(b)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
