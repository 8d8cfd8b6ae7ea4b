// Uncommitted writes of a read-write transaction are packed into two types:
// 1) Tombstone: A marker indicating that the key has been deleted in this transaction.
// 2) Regular  : A value that replaces whatever the committed partition holds.

package storage

import (
	"errors"
)

// Opts represents options for a buffered value.
type Opts uint8

// Is returns true if any of the given options are toggled in the current options.
func (o Opts) Is(opts Opts) bool {
	return o&opts != 0
}

const (
	// TombStone is when a key is deleted. A tombstone shadows the committed value until the transaction
	// commits, at which point the key is removed from the partition.
	TombStone Opts = 1 << iota
)

var (
	tombstoneUnpacked = unpackedValue{opt: TombStone}
	tombstonePacked   = tombstoneUnpacked.pack()
	emptyUnpacked     = unpackedValue{}
)

// unpackedValue represents a value that has been unpacked from the buffered format.
type unpackedValue struct {
	opt   Opts
	value []byte
}

// unpack deserializes the packed byte slice into an unpackedValue struct.
func unpack(packed []byte) (unpackedValue, error) {
	if len(packed) == 0 {
		return emptyUnpacked, errors.New("packed value is empty")
	}
	opt := Opts(packed[0])
	if opt.Is(TombStone) {
		return tombstoneUnpacked, nil
	}
	return unpackedValue{opt: opt, value: packed[1:]}, nil
}

// pack serializes the options and the value into a single byte slice.
func (uv unpackedValue) pack() []byte {
	if uv.opt.Is(TombStone) {
		return []byte{byte(uv.opt)}
	}
	buffer := make([]byte, 1+len(uv.value)) // 1 byte for the options.
	buffer[0] = byte(uv.opt)
	copy(buffer[1:], uv.value)
	return buffer
}
