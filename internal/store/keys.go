package store

import (
	"encoding/binary"
)

// Key prefixes, one byte each. Origin domain records use 0x01-0x1f and
// destination domain records 0x20-0x3f.
const (
	PrefixItem byte = iota + 1
	PrefixItemSeq
	PrefixStake
	PrefixBalance
	PrefixLocked
	PrefixProfile
	PrefixOutbound
	PrefixResolution
	PrefixOutbox
	PrefixOutboxNonce
	PrefixLockEntry
	PrefixMeta
	PrefixOutboxTree
)

const (
	PrefixInboxNonce byte = iota + 0x20
	PrefixHeld
	PrefixPool
	PrefixEscrow
	PrefixAccount
	PrefixHalted
	PrefixSettlement
	PrefixHaltedNonce
)

// PrefixToString converts a prefix byte to a string
func PrefixToString(p byte) string {
	switch p {
	case PrefixItem:
		return "item"
	case PrefixItemSeq:
		return "item-seq"
	case PrefixStake:
		return "stake"
	case PrefixBalance:
		return "balance"
	case PrefixLocked:
		return "locked"
	case PrefixProfile:
		return "profile"
	case PrefixOutbound:
		return "outbound"
	case PrefixResolution:
		return "resolution"
	case PrefixOutbox:
		return "outbox"
	case PrefixOutboxNonce:
		return "outbox-nonce"
	case PrefixLockEntry:
		return "lock-entry"
	case PrefixMeta:
		return "meta"
	case PrefixOutboxTree:
		return "outbox-tree"
	case PrefixInboxNonce:
		return "inbox-nonce"
	case PrefixHeld:
		return "held"
	case PrefixPool:
		return "pool"
	case PrefixEscrow:
		return "escrow"
	case PrefixAccount:
		return "account"
	case PrefixHalted:
		return "halted"
	case PrefixSettlement:
		return "settlement"
	case PrefixHaltedNonce:
		return "halted-nonce"
	default:
		return "unknown"
	}
}

// MakeKey concatenates the prefix and the given parts.
func MakeKey(prefix byte, parts ...[]byte) []byte {
	size := 1
	for _, p := range parts {
		size += len(p)
	}
	key := make([]byte, 0, size)
	key = append(key, prefix)
	for _, p := range parts {
		key = append(key, p...)
	}
	return key
}

// U64 encodes v big-endian so numeric keys sort in numeric order.
func U64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

// U32 encodes v big-endian so numeric keys sort in numeric order.
func U32(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

// DecodeU64 reads a big-endian uint64 at offset.
func DecodeU64(key []byte, offset int) uint64 {
	return binary.BigEndian.Uint64(key[offset : offset+8])
}
