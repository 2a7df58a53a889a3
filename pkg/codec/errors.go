package codec

import "errors"

var (
	ErrInvalidPointer = errors.New("invalid pointer")
	ErrDecodingBool   = errors.New("error decoding boolean")
	ErrLengthLimit    = errors.New("length exceeds limit")
	ErrTrailingBytes  = errors.New("trailing bytes after decoding")

	ErrUnsupportedType     = "unsupported type: %v"
	ErrReadingBytes        = "error reading bytes: %w"
	ErrEncodingStructField = "encoding struct field '%s': %w"
	ErrDecodingStructField = "decoding struct field '%s': %w"
)

// MaxLength bounds every length prefix accepted by the decoder so a hostile
// frame cannot force a huge allocation.
const MaxLength = 1 << 20
