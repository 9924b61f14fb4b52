package storage

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"logq/pkg/protocol"
)

func TestEncodeDecodeRecord(t *testing.T) {
	produced := time.Date(2024, 3, 1, 12, 0, 0, 123, time.UTC)

	tests := []struct {
		name string
		rec  protocol.Record
	}{
		{
			name: "keyed",
			rec:  protocol.Record{Key: []byte("A"), Value: []byte("order-1"), Offset: 7, ProducedAt: produced},
		},
		{
			name: "nil key",
			rec:  protocol.Record{Value: []byte("no key"), ProducedAt: produced},
		},
		{
			name: "idempotent with headers",
			rec: protocol.Record{
				Key:        []byte("B"),
				Value:      []byte("payload"),
				ProducerID: "3f0c1b7e-producer",
				Sequence:   42,
				Headers:    map[string]string{"content-type": "json", "trace": "abc"},
				ProducedAt: produced,
			},
		},
		{
			name: "empty value",
			rec:  protocol.Record{Key: []byte{}, Value: []byte{}, ProducedAt: produced},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeRecord(tt.rec)
			if err != nil {
				t.Fatalf("EncodeRecord failed: %v", err)
			}

			size, err := FrameSize(frame)
			if err != nil {
				t.Fatalf("FrameSize failed: %v", err)
			}
			if size != len(frame) {
				t.Errorf("FrameSize = %d, frame is %d bytes", size, len(frame))
			}

			got, err := DecodeRecord(frame)
			if err != nil {
				t.Fatalf("DecodeRecord failed: %v", err)
			}

			if (got.Key == nil) != (tt.rec.Key == nil) || !bytes.Equal(got.Key, tt.rec.Key) {
				t.Errorf("Key = %v, want %v", got.Key, tt.rec.Key)
			}
			if !bytes.Equal(got.Value, tt.rec.Value) {
				t.Errorf("Value = %q, want %q", got.Value, tt.rec.Value)
			}
			if got.Offset != tt.rec.Offset || got.Sequence != tt.rec.Sequence || got.ProducerID != tt.rec.ProducerID {
				t.Errorf("got offset=%d seq=%d producer=%q", got.Offset, got.Sequence, got.ProducerID)
			}
			if !got.ProducedAt.Equal(tt.rec.ProducedAt) {
				t.Errorf("ProducedAt = %v, want %v", got.ProducedAt, tt.rec.ProducedAt)
			}
			for k, v := range tt.rec.Headers {
				if got.Headers[k] != v {
					t.Errorf("header %q = %q, want %q", k, got.Headers[k], v)
				}
			}
		})
	}
}

func TestDecodeRecord_DetectsCorruption(t *testing.T) {
	frame, _ := EncodeRecord(protocol.Record{Key: []byte("k"), Value: []byte("value")})

	corrupted := append([]byte{}, frame...)
	corrupted[len(corrupted)-1] ^= 0xFF
	if _, err := DecodeRecord(corrupted); !errors.Is(err, ErrCorruptedRecord) {
		t.Errorf("flipped byte err = %v, want ErrCorruptedRecord", err)
	}

	badMagic := append([]byte{}, frame...)
	badMagic[0] = 'X'
	if _, err := DecodeRecord(badMagic); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("bad magic err = %v, want ErrInvalidMagic", err)
	}

	if _, err := DecodeRecord(frame[:len(frame)-2]); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("short frame err = %v, want ErrInvalidFrame", err)
	}
}

func TestEncodeRecord_Limits(t *testing.T) {
	_, err := EncodeRecord(protocol.Record{Key: bytes.Repeat([]byte("k"), MaxKeySize+1)})
	if !errors.Is(err, ErrKeyTooLarge) {
		t.Errorf("oversized key err = %v", err)
	}

	_, err = EncodeRecord(protocol.Record{ProducerID: strings.Repeat("p", MaxProducerIDSize+1)})
	if !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("oversized producer id err = %v", err)
	}
}
