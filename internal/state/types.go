// Package state defines the records shared by the origin and destination
// domains: news items, stakes, verifier profiles and distributions.
package state

import (
	"fmt"
	"time"

	"github.com/eigerco/truelens/internal/content"
	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/safemath"
)

// DomainID identifies an execution domain on the bridge.
type DomainID uint32

const (
	SagaDomain      DomainID = 33333 // origin chainlet, runs verification
	RootstockDomain DomainID = 31    // destination, holds the settlement pool
)

// BasisPoints is the denominator of every ratio parameter.
const BasisPoints = 10_000

// Timestamp is a unix time in nanoseconds.
type Timestamp int64

func TimestampOf(t time.Time) Timestamp {
	return Timestamp(t.UnixNano())
}

func (t Timestamp) Time() time.Time {
	return time.Unix(0, int64(t)).UTC()
}

type Status uint8

const (
	StatusPending Status = iota
	StatusVerified
	StatusFlagged
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusVerified:
		return "verified"
	case StatusFlagged:
		return "flagged"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// IsFinal reports whether s is one of the terminal statuses.
func (s Status) IsFinal() bool {
	return s == StatusVerified || s == StatusFlagged || s == StatusExpired
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{StatusPending, StatusVerified, StatusFlagged, StatusExpired} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

// Choice is the side a verifier stakes on.
type Choice uint8

const (
	ChoiceVerify Choice = iota + 1
	ChoiceFlag
)

func (c Choice) Valid() bool {
	return c == ChoiceVerify || c == ChoiceFlag
}

func (c Choice) String() string {
	switch c {
	case ChoiceVerify:
		return "verify"
	case ChoiceFlag:
		return "flag"
	default:
		return fmt.Sprintf("choice(%d)", uint8(c))
	}
}

func (c Choice) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Choice) UnmarshalText(text []byte) error {
	switch string(text) {
	case "verify":
		*c = ChoiceVerify
	case "flag":
		*c = ChoiceFlag
	default:
		return fmt.Errorf("unknown choice %q", text)
	}
	return nil
}

// WinningChoice returns the side that wins under a final status. Expired
// items have no winning side.
func WinningChoice(s Status) (Choice, bool) {
	switch s {
	case StatusVerified:
		return ChoiceVerify, true
	case StatusFlagged:
		return ChoiceFlag, true
	default:
		return 0, false
	}
}

type NewsItem struct {
	ID          uint64      `json:"id"`
	ContentRef  content.Ref `json:"contentRef"`
	SubmittedAt Timestamp   `json:"submittedAt"`
	Status      Status      `json:"status"`
	ResolvedAt  Timestamp   `json:"resolvedAt,omitempty"`
}

// Stake is keyed by (Verifier, NewsItemID). Only Slashed changes after it is
// recorded.
type Stake struct {
	Verifier     crypto.Address `json:"verifier"`
	NewsItemID   uint64         `json:"newsItemId"`
	Amount       uint64         `json:"amount"`
	Choice       Choice         `json:"choice"`
	Timestamp    Timestamp      `json:"timestamp"`
	OriginDomain DomainID       `json:"originDomain"`
	Slashed      bool           `json:"slashed"`
}

type Payout struct {
	Recipient crypto.Address `json:"recipient"`
	Amount    uint64         `json:"amount"`
}

// Distribution lists what every staker of an item receives back.
type Distribution []Payout

func (d Distribution) Total() (uint64, error) {
	var total uint64
	for _, p := range d {
		var ok bool
		total, ok = safemath.Add64(total, p.Amount)
		if !ok {
			return 0, safemath.ErrOverflow
		}
	}
	return total, nil
}

// AmountFor returns the payout for recipient, zero when absent.
func (d Distribution) AmountFor(recipient crypto.Address) uint64 {
	for _, p := range d {
		if p.Recipient == recipient {
			return p.Amount
		}
	}
	return 0
}

type VerifierProfile struct {
	Address     crypto.Address `json:"address"`
	TotalStaked uint64         `json:"totalStaked"`
	Correct     uint64         `json:"correct"`
	Incorrect   uint64         `json:"incorrect"`
	Earned      uint64         `json:"earned"`
	Slashed     uint64         `json:"slashed"`
	Level       uint32         `json:"level"`
}

// AccuracyBps is correct / (correct + incorrect) in basis points.
func (p VerifierProfile) AccuracyBps() uint64 {
	total := p.Correct + p.Incorrect
	if total == 0 {
		return 0
	}
	return p.Correct * BasisPoints / total
}

// Resolution is the finalized outcome of a news item.
type Resolution struct {
	NewsItemID   uint64       `json:"newsItemId"`
	Outcome      Status       `json:"outcome"`
	StakeVerify  uint64       `json:"stakeVerify"`
	StakeFlag    uint64       `json:"stakeFlag"`
	FlagRatioBps uint64       `json:"flagRatioBps"`
	Distribution Distribution `json:"distribution"`
	ResolvedAt   Timestamp    `json:"resolvedAt"`
	Nonce        uint64       `json:"nonce"`
}
