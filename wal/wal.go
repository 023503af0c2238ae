package wal

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sig-0/go-tendermint/types"
)

var (
	ErrCorruptRecord = errors.New("corrupt wal record")
	ErrClosed        = errors.New("wal is closed")
)

// MessageKind tags the consensus message stored in a wal entry
type MessageKind uint8

const (
	MessageVote MessageKind = iota
	MessageProposal
	MessagePolkaCertificate
	MessageCommitCertificate
)

type (
	// MessageEntry is a received (or self-delivered) signed consensus
	// message, stored in its canonical encoding
	MessageEntry struct {
		Kind MessageKind
		Data []byte
	}

	// TimeoutEntry records a timeout delivered for processing
	TimeoutEntry struct {
		Kind  types.TimeoutKind
		Round int64
	}

	// Entry is a single wal record: exactly one of Message and Timeout is set
	Entry struct {
		Height  uint64
		Message *MessageEntry
		Timeout *TimeoutEntry
	}
)

// WAL persists consensus inputs in processing order. Every entry is
// appended before the input it records is fed into the driver, so a
// replay of the log reconstructs the exact pre-crash state
type WAL interface {
	// Append adds an entry to the log. The entry must be durable
	// (modulo Flush) before the corresponding input is processed
	Append(entry Entry) error

	// Flush forces buffered entries to stable storage
	Flush() error

	// ReadAll returns all entries recorded for given height, in append order
	ReadAll(height uint64) ([]Entry, error)

	// Truncate drops all entries for heights lower than given height
	Truncate(height uint64) error

	// Close flushes and releases the log
	Close() error
}

const (
	entryFieldHeight       = 1
	entryFieldMessageKind  = 2
	entryFieldMessageData  = 3
	entryFieldTimeoutKind  = 4
	entryFieldTimeoutRound = 5
	entryFieldIsTimeout    = 6
)

// Marshal returns the canonical encoding of the entry
func (e Entry) Marshal() []byte {
	bz := make([]byte, 0, 32)

	bz = protowire.AppendTag(bz, entryFieldHeight, protowire.VarintType)
	bz = protowire.AppendVarint(bz, e.Height)

	if e.Message != nil {
		bz = protowire.AppendTag(bz, entryFieldMessageKind, protowire.VarintType)
		bz = protowire.AppendVarint(bz, uint64(e.Message.Kind))
		bz = protowire.AppendTag(bz, entryFieldMessageData, protowire.BytesType)
		bz = protowire.AppendBytes(bz, e.Message.Data)
	}

	if e.Timeout != nil {
		bz = protowire.AppendTag(bz, entryFieldIsTimeout, protowire.VarintType)
		bz = protowire.AppendVarint(bz, 1)
		bz = protowire.AppendTag(bz, entryFieldTimeoutKind, protowire.VarintType)
		bz = protowire.AppendVarint(bz, uint64(e.Timeout.Kind))
		bz = protowire.AppendTag(bz, entryFieldTimeoutRound, protowire.VarintType)
		bz = protowire.AppendVarint(bz, protowire.EncodeZigZag(e.Timeout.Round))
	}

	return bz
}

// UnmarshalEntry decodes an entry from its canonical encoding
func UnmarshalEntry(bz []byte) (Entry, error) {
	var (
		entry   Entry
		msg     MessageEntry
		timeout TimeoutEntry

		hasMessage, isTimeout bool
	)

	for len(bz) > 0 {
		num, typ, n := protowire.ConsumeTag(bz)
		if n < 0 {
			return Entry{}, fmt.Errorf("%w: %w", ErrCorruptRecord, protowire.ParseError(n))
		}

		bz = bz[n:]

		switch num {
		case entryFieldHeight:
			v, n := protowire.ConsumeVarint(bz)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %w", ErrCorruptRecord, protowire.ParseError(n))
			}

			entry.Height, bz = v, bz[n:]
		case entryFieldMessageKind:
			v, n := protowire.ConsumeVarint(bz)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %w", ErrCorruptRecord, protowire.ParseError(n))
			}

			msg.Kind, bz, hasMessage = MessageKind(v), bz[n:], true
		case entryFieldMessageData:
			v, n := protowire.ConsumeBytes(bz)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %w", ErrCorruptRecord, protowire.ParseError(n))
			}

			msg.Data, bz, hasMessage = append([]byte(nil), v...), bz[n:], true
		case entryFieldIsTimeout:
			v, n := protowire.ConsumeVarint(bz)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %w", ErrCorruptRecord, protowire.ParseError(n))
			}

			isTimeout, bz = v == 1, bz[n:]
		case entryFieldTimeoutKind:
			v, n := protowire.ConsumeVarint(bz)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %w", ErrCorruptRecord, protowire.ParseError(n))
			}

			timeout.Kind, bz = types.TimeoutKind(v), bz[n:]
		case entryFieldTimeoutRound:
			v, n := protowire.ConsumeVarint(bz)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %w", ErrCorruptRecord, protowire.ParseError(n))
			}

			timeout.Round, bz = protowire.DecodeZigZag(v), bz[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, bz)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %w", ErrCorruptRecord, protowire.ParseError(n))
			}

			bz = bz[n:]
		}
	}

	if hasMessage {
		entry.Message = &msg
	}

	if isTimeout {
		entry.Timeout = &timeout
	}

	return entry, nil
}
