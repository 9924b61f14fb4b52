// =============================================================================
// RECORD FRAME - BINARY ENCODING OF A LOG RECORD
// =============================================================================
//
// Every record appended to a partition log is framed into a self-describing
// byte slice before it reaches the segment store. The frame carries its own
// lengths and a checksum, so a store can be scanned front to back on startup
// without any side index.
//
// FRAME LAYOUT (big-endian):
//
//   ┌─────────┬─────────┬───────┬───────┬─────────┬────────────┬──────────┐
//   │ Magic   │ Version │ Flags │ CRC32 │ Offset  │ ProducedAt │ Sequence │
//   │ 2 bytes │ 1 byte  │ 1     │ 4     │ 8       │ 8 (nanos)  │ 8        │
//   ├─────────┴─────────┴───────┴───────┴─────────┴────────────┴──────────┤
//   │ KeyLen 4 │ ValueLen 4 │ ProducerIDLen 2 │ HeadersLen 4              │
//   ├─────────────────────────────────────────────────────────────────────┤
//   │ Key │ Value │ ProducerID │ Headers                                  │
//   └─────────────────────────────────────────────────────────────────────┘
//
//   - CRC-32C covers every byte after the CRC field.
//   - KeyLen 0xFFFFFFFF encodes a nil key, which is different from an empty
//     key: nil keys are spread round-robin, empty keys are hashed.
//   - Headers are a count-prefixed list of (u16 len, key, u16 len, value).
//
// =============================================================================

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"time"

	"logq/pkg/protocol"
)

const (
	MagicByte1 = 0x4C // 'L'
	MagicByte2 = 0x51 // 'Q'

	FormatVersion = 1

	// HeaderSize is the fixed part of a frame.
	HeaderSize = 46

	MaxKeySize        = 64 * 1024
	MaxValueSize      = 16 * 1024 * 1024
	MaxProducerIDSize = 255
	MaxHeadersSize    = 64 * 1024

	nilKeyLen = 0xFFFFFFFF
)

const (
	FlagHasHeaders = 1 << 0
)

var (
	ErrInvalidMagic       = errors.New("invalid magic bytes: not a logq record")
	ErrUnsupportedVersion = errors.New("unsupported record format version")
	ErrCorruptedRecord    = errors.New("record corrupted: CRC mismatch")
	ErrKeyTooLarge        = errors.New("key exceeds maximum size")
	ErrValueTooLarge      = errors.New("value exceeds maximum size")
	ErrInvalidFrame       = errors.New("invalid record frame")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// EncodeRecord frames rec for the segment store.
func EncodeRecord(rec protocol.Record) ([]byte, error) {
	if len(rec.Key) > MaxKeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, max is %d", ErrKeyTooLarge, len(rec.Key), MaxKeySize)
	}
	if len(rec.Value) > MaxValueSize {
		return nil, fmt.Errorf("%w: value is %d bytes, max is %d", ErrValueTooLarge, len(rec.Value), MaxValueSize)
	}
	if len(rec.ProducerID) > MaxProducerIDSize {
		return nil, fmt.Errorf("%w: producer id is %d bytes", ErrInvalidFrame, len(rec.ProducerID))
	}

	headers := encodeHeaders(rec.Headers)
	if len(headers) > MaxHeadersSize {
		return nil, fmt.Errorf("%w: headers are %d bytes", ErrInvalidFrame, len(headers))
	}

	total := HeaderSize + len(rec.Key) + len(rec.Value) + len(rec.ProducerID) + len(headers)
	buf := make([]byte, total)

	buf[0] = MagicByte1
	buf[1] = MagicByte2
	buf[2] = FormatVersion
	if len(headers) > 0 {
		buf[3] = FlagHasHeaders
	}

	binary.BigEndian.PutUint64(buf[8:16], uint64(rec.Offset))
	binary.BigEndian.PutUint64(buf[16:24], uint64(rec.ProducedAt.UnixNano()))
	binary.BigEndian.PutUint64(buf[24:32], uint64(rec.Sequence))

	if rec.Key == nil {
		binary.BigEndian.PutUint32(buf[32:36], nilKeyLen)
	} else {
		binary.BigEndian.PutUint32(buf[32:36], uint32(len(rec.Key)))
	}
	binary.BigEndian.PutUint32(buf[36:40], uint32(len(rec.Value)))
	binary.BigEndian.PutUint16(buf[40:42], uint16(len(rec.ProducerID)))
	binary.BigEndian.PutUint32(buf[42:46], uint32(len(headers)))

	pos := HeaderSize
	pos += copy(buf[pos:], rec.Key)
	pos += copy(buf[pos:], rec.Value)
	pos += copy(buf[pos:], rec.ProducerID)
	copy(buf[pos:], headers)

	binary.BigEndian.PutUint32(buf[4:8], crc32.Checksum(buf[8:], crcTable))
	return buf, nil
}

// FrameSize reads the total frame length from a frame header.
func FrameSize(header []byte) (int, error) {
	if len(header) < HeaderSize {
		return 0, fmt.Errorf("%w: header is %d bytes", ErrInvalidFrame, len(header))
	}
	if header[0] != MagicByte1 || header[1] != MagicByte2 {
		return 0, ErrInvalidMagic
	}
	if header[2] != FormatVersion {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, header[2])
	}
	keyLen := binary.BigEndian.Uint32(header[32:36])
	if keyLen == nilKeyLen {
		keyLen = 0
	}
	valueLen := binary.BigEndian.Uint32(header[36:40])
	producerLen := binary.BigEndian.Uint16(header[40:42])
	headersLen := binary.BigEndian.Uint32(header[42:46])
	return HeaderSize + int(keyLen) + int(valueLen) + int(producerLen) + int(headersLen), nil
}

// DecodeRecord parses a frame produced by EncodeRecord.
func DecodeRecord(buf []byte) (protocol.Record, error) {
	size, err := FrameSize(buf)
	if err != nil {
		return protocol.Record{}, err
	}
	if len(buf) < size {
		return protocol.Record{}, fmt.Errorf("%w: need %d bytes, have %d", ErrInvalidFrame, size, len(buf))
	}
	buf = buf[:size]

	if crc32.Checksum(buf[8:], crcTable) != binary.BigEndian.Uint32(buf[4:8]) {
		return protocol.Record{}, ErrCorruptedRecord
	}

	rec := protocol.Record{
		Offset:     int64(binary.BigEndian.Uint64(buf[8:16])),
		ProducedAt: time.Unix(0, int64(binary.BigEndian.Uint64(buf[16:24]))).UTC(),
		Sequence:   int64(binary.BigEndian.Uint64(buf[24:32])),
	}

	keyLen := binary.BigEndian.Uint32(buf[32:36])
	valueLen := int(binary.BigEndian.Uint32(buf[36:40]))
	producerLen := int(binary.BigEndian.Uint16(buf[40:42]))
	headersLen := int(binary.BigEndian.Uint32(buf[42:46]))

	pos := HeaderSize
	if keyLen != nilKeyLen {
		rec.Key = append([]byte{}, buf[pos:pos+int(keyLen)]...)
		pos += int(keyLen)
	}
	rec.Value = append([]byte{}, buf[pos:pos+valueLen]...)
	pos += valueLen
	rec.ProducerID = string(buf[pos : pos+producerLen])
	pos += producerLen

	if buf[3]&FlagHasHeaders != 0 {
		headers, err := decodeHeaders(buf[pos : pos+headersLen])
		if err != nil {
			return protocol.Record{}, err
		}
		rec.Headers = headers
	}
	return rec, nil
}

// encodeHeaders writes headers in sorted key order so equal maps produce
// equal frames.
func encodeHeaders(headers map[string]string) []byte {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	size := 2
	for k, v := range headers {
		keys = append(keys, k)
		size += 4 + len(k) + len(v)
	}
	sort.Strings(keys)

	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(keys)))
	pos := 2
	for _, k := range keys {
		v := headers[k]
		binary.BigEndian.PutUint16(buf[pos:], uint16(len(k)))
		pos += 2
		pos += copy(buf[pos:], k)
		binary.BigEndian.PutUint16(buf[pos:], uint16(len(v)))
		pos += 2
		pos += copy(buf[pos:], v)
	}
	return buf
}

func decodeHeaders(buf []byte) (map[string]string, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: truncated headers", ErrInvalidFrame)
	}
	count := int(binary.BigEndian.Uint16(buf[0:2]))
	headers := make(map[string]string, count)
	pos := 2
	for i := 0; i < count; i++ {
		k, next, err := readString16(buf, pos)
		if err != nil {
			return nil, err
		}
		v, next, err := readString16(buf, next)
		if err != nil {
			return nil, err
		}
		headers[k] = v
		pos = next
	}
	return headers, nil
}

func readString16(buf []byte, pos int) (string, int, error) {
	if pos+2 > len(buf) {
		return "", 0, fmt.Errorf("%w: truncated headers", ErrInvalidFrame)
	}
	n := int(binary.BigEndian.Uint16(buf[pos:]))
	pos += 2
	if pos+n > len(buf) {
		return "", 0, fmt.Errorf("%w: truncated headers", ErrInvalidFrame)
	}
	return string(buf[pos : pos+n]), pos + n, nil
}
