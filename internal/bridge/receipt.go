package bridge

import (
	"errors"
	"fmt"

	"github.com/eigerco/truelens/internal/state"
	"github.com/eigerco/truelens/pkg/codec"
)

var (
	ErrUntrustedSender        = errors.New("untrusted origin or sender")
	ErrInsufficientSignatures = errors.New("insufficient validator signatures")
	ErrWrongDestination       = errors.New("message addressed to another domain")
	ErrRejected               = errors.New("message rejected by destination")
)

// ReceiptStatus is the destination's verdict on one delivery.
type ReceiptStatus uint8

const (
	// ReceiptApplied means the nonce was consumed. A halted settlement is also
	// applied, with Code set to CodeSettlementMismatch.
	ReceiptApplied ReceiptStatus = iota + 1
	// ReceiptHeld means the message is stored until the nonce gap fills.
	ReceiptHeld
	// ReceiptRejected means nothing changed on the destination.
	ReceiptRejected
)

// Code carries a destination error across the wire.
type Code uint8

const (
	CodeNone Code = iota
	CodeReplay
	CodeOutOfOrder
	CodeSettlementMismatch
	CodeUntrusted
	CodeInsufficientSignatures
	CodeWrongDestination
	CodeInternal
)

var codeErrors = []struct {
	code Code
	err  error
}{
	{CodeReplay, state.ErrMessageReplay},
	{CodeOutOfOrder, state.ErrMessageOutOfOrder},
	{CodeSettlementMismatch, state.ErrSettlementMismatch},
	{CodeUntrusted, ErrUntrustedSender},
	{CodeInsufficientSignatures, ErrInsufficientSignatures},
	{CodeWrongDestination, ErrWrongDestination},
}

// remoteError is a destination error decoded from a receipt.
type remoteError struct {
	sentinel error
	detail   string
}

func (e *remoteError) Error() string { return e.detail }
func (e *remoteError) Unwrap() error { return e.sentinel }

type Receipt struct {
	Nonce  uint64        `json:"nonce"`
	Status ReceiptStatus `json:"status"`
	Code   Code          `json:"code"`
	Detail string        `json:"detail,omitempty"`
}

// NewReceipt builds the receipt for a delivery of nonce that finished with
// err.
func NewReceipt(nonce uint64, status ReceiptStatus, err error) Receipt {
	r := Receipt{Nonce: nonce, Status: status}
	if err == nil {
		return r
	}
	r.Detail = err.Error()
	r.Code = CodeInternal
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			r.Code = ce.code
			break
		}
	}
	return r
}

// Err maps the receipt code back to its sentinel error.
func (r Receipt) Err() error {
	if r.Code == CodeNone {
		return nil
	}
	sentinel := ErrRejected
	for _, ce := range codeErrors {
		if ce.code == r.Code {
			sentinel = ce.err
			break
		}
	}
	if r.Detail == "" {
		return sentinel
	}
	return &remoteError{sentinel: sentinel, detail: r.Detail}
}

func (r Receipt) Encode() ([]byte, error) {
	return codec.Marshal(r)
}

func DecodeReceipt(b []byte) (Receipt, error) {
	var r Receipt
	if err := codec.Unmarshal(b, &r); err != nil {
		return Receipt{}, fmt.Errorf("decode receipt: %w", err)
	}
	return r, nil
}
