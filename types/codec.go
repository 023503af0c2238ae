package types

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Canonical wire layout. Fields are appended in tag order with zero
// values omitted, so every message has exactly one encoding. Rounds are
// zigzag-encoded to keep the RoundNil sentinel compact. The one exception
// is a proposal's valid round (appendRound): round 0 is written and
// RoundNil is the omitted value.

func appendUint(bz []byte, field protowire.Number, v uint64) []byte {
	if v == 0 {
		return bz
	}

	bz = protowire.AppendTag(bz, field, protowire.VarintType)

	return protowire.AppendVarint(bz, v)
}

func appendInt(bz []byte, field protowire.Number, v int64) []byte {
	if v == 0 {
		return bz
	}

	bz = protowire.AppendTag(bz, field, protowire.VarintType)

	return protowire.AppendVarint(bz, protowire.EncodeZigZag(v))
}

func appendBytes(bz []byte, field protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return bz
	}

	bz = protowire.AppendTag(bz, field, protowire.BytesType)

	return protowire.AppendBytes(bz, v)
}

// appendRound encodes a round whose zero value is meaningful; only the
// RoundNil sentinel is omitted
func appendRound(bz []byte, field protowire.Number, v int64) []byte {
	if v == RoundNil {
		return bz
	}

	bz = protowire.AppendTag(bz, field, protowire.VarintType)

	return protowire.AppendVarint(bz, protowire.EncodeZigZag(v))
}

// decoder is a cursor over a canonical encoding
type decoder struct {
	bz  []byte
	err error
}

func (d *decoder) next() (protowire.Number, protowire.Type, bool) {
	if d.err != nil || len(d.bz) == 0 {
		return 0, 0, false
	}

	num, typ, n := protowire.ConsumeTag(d.bz)
	if n < 0 {
		d.err = protowire.ParseError(n)

		return 0, 0, false
	}

	d.bz = d.bz[n:]

	return num, typ, true
}

func (d *decoder) uint() uint64 {
	v, n := protowire.ConsumeVarint(d.bz)
	if n < 0 {
		d.err = protowire.ParseError(n)

		return 0
	}

	d.bz = d.bz[n:]

	return v
}

func (d *decoder) int() int64 {
	return protowire.DecodeZigZag(d.uint())
}

func (d *decoder) bytes() []byte {
	v, n := protowire.ConsumeBytes(d.bz)
	if n < 0 {
		d.err = protowire.ParseError(n)

		return nil
	}

	d.bz = d.bz[n:]

	out := make([]byte, len(v))
	copy(out, v)

	return out
}

func (d *decoder) skip(num protowire.Number, typ protowire.Type) {
	n := protowire.ConsumeFieldValue(num, typ, d.bz)
	if n < 0 {
		d.err = protowire.ParseError(n)

		return
	}

	d.bz = d.bz[n:]
}
