// Records are stored with the protobuf wire format: fields are tagged, so records written by an older build
// with fewer fields still decode, and unknown fields are skipped.

package imagecache

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// metadataRecord is the bookkeeping of one cached image.
type metadataRecord struct {
	key               string
	timestamp         int64 // The caller's version of the image; a different one makes the entry stale.
	width, height     int64
	size              int64 // Bytes of the image data.
	lastLoadTimestamp int64 // Unix nanos of the latest save or hit; the LRU order.
}

const (
	metadataKeyField protowire.Number = iota + 1
	metadataTimestampField
	metadataWidthField
	metadataHeightField
	metadataSizeField
	metadataLastLoadField
)

const (
	dataKeyField protowire.Number = iota + 1
	dataBytesField
)

const sizeValueField protowire.Number = 1

func appendSint64(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func (m metadataRecord) marshal() []byte {
	b := make([]byte, 0, len(m.key)+48)
	b = appendBytes(b, metadataKeyField, []byte(m.key))
	b = appendSint64(b, metadataTimestampField, m.timestamp)
	b = appendSint64(b, metadataWidthField, m.width)
	b = appendSint64(b, metadataHeightField, m.height)
	b = appendSint64(b, metadataSizeField, m.size)
	b = appendSint64(b, metadataLastLoadField, m.lastLoadTimestamp)
	return b
}

// consumeFields walks every field of `b`, handing varints and byte strings to the callbacks.
// Fields of other wire types are skipped.
func consumeFields(b []byte, onVarint func(protowire.Number, uint64), onBytes func(protowire.Number, []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			onVarint(num, v)
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			onBytes(num, v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func unmarshalMetadata(b []byte) (metadataRecord, error) {
	var record metadataRecord
	err := consumeFields(b, func(num protowire.Number, v uint64) {
		switch num {
		case metadataTimestampField:
			record.timestamp = protowire.DecodeZigZag(v)
		case metadataWidthField:
			record.width = protowire.DecodeZigZag(v)
		case metadataHeightField:
			record.height = protowire.DecodeZigZag(v)
		case metadataSizeField:
			record.size = protowire.DecodeZigZag(v)
		case metadataLastLoadField:
			record.lastLoadTimestamp = protowire.DecodeZigZag(v)
		}
	}, func(num protowire.Number, v []byte) {
		if num == metadataKeyField {
			record.key = string(v)
		}
	})
	if err != nil {
		return metadataRecord{}, fmt.Errorf("failed to decode metadata record: %w", err)
	}
	if record.size < 0 {
		return metadataRecord{}, fmt.Errorf("metadata record of %q has negative size %d", record.key, record.size)
	}
	return record, nil
}

// dataRecord holds the encoded image bytes.
type dataRecord struct {
	key  string
	data []byte
}

func (d dataRecord) marshal() []byte {
	b := make([]byte, 0, len(d.key)+len(d.data)+16)
	b = appendBytes(b, dataKeyField, []byte(d.key))
	return appendBytes(b, dataBytesField, d.data)
}

func unmarshalData(b []byte) (dataRecord, error) {
	var record dataRecord
	err := consumeFields(b, func(protowire.Number, uint64) {}, func(num protowire.Number, v []byte) {
		switch num {
		case dataKeyField:
			record.key = string(v)
		case dataBytesField:
			record.data = v
		}
	})
	if err != nil {
		return dataRecord{}, fmt.Errorf("failed to decode data record: %w", err)
	}
	return record, nil
}

func marshalSize(size int64) []byte {
	return appendSint64(nil, sizeValueField, size)
}

var errMissingSize = errors.New("size setting has no value")

func unmarshalSize(b []byte) (int64, error) {
	var size int64
	found := false
	err := consumeFields(b, func(num protowire.Number, v uint64) {
		if num == sizeValueField {
			size, found = protowire.DecodeZigZag(v), true
		}
	}, func(protowire.Number, []byte) {})
	if err != nil {
		return 0, fmt.Errorf("failed to decode size setting: %w", err)
	}
	if !found {
		return 0, errMissingSize
	}
	return size, nil
}
