package pricefeed

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/punchamoorthee/goalescrow/internal/domain"
)

const (
	priceFeedMessageType = 0
	messageSize          = 1 + 32 + 8 + 8 + 4 + 8 + 8 + 8 + 8

	accumulatorMajorVersion = 1
	wormholeMerkleUpdate    = 0
	merkleNodeSize          = 20
)

var accumulatorMagic = []byte("PNAU")

// Message is a single price feed message as published by the price source.
// All integers are big-endian on the wire.
type Message struct {
	FeedID          [32]byte
	Price           int64
	Confidence      uint64
	Exponent        int32
	PublishTime     int64
	PrevPublishTime int64
	EMAPrice        int64
	EMAConfidence   uint64
}

// FeedIDHex renders the feed id the way it appears in configuration.
func (m Message) FeedIDHex() string {
	return "0x" + hex.EncodeToString(m.FeedID[:])
}

func EncodeMessage(m Message) []byte {
	buf := make([]byte, 0, messageSize)
	buf = append(buf, priceFeedMessageType)
	buf = append(buf, m.FeedID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.Price))
	buf = binary.BigEndian.AppendUint64(buf, m.Confidence)
	buf = binary.BigEndian.AppendUint32(buf, uint32(m.Exponent))
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.PublishTime))
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.PrevPublishTime))
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.EMAPrice))
	buf = binary.BigEndian.AppendUint64(buf, m.EMAConfidence)
	return buf
}

func decodeMessage(b []byte) (Message, error) {
	var m Message
	if len(b) < messageSize {
		return m, fmt.Errorf("%w: message is %d bytes, want %d", domain.ErrMalformedUpdate, len(b), messageSize)
	}
	if b[0] != priceFeedMessageType {
		return m, fmt.Errorf("%w: unsupported message type %d", domain.ErrMalformedUpdate, b[0])
	}
	copy(m.FeedID[:], b[1:33])
	off := 33
	m.Price = int64(binary.BigEndian.Uint64(b[off:]))
	off += 8
	m.Confidence = binary.BigEndian.Uint64(b[off:])
	off += 8
	m.Exponent = int32(binary.BigEndian.Uint32(b[off:]))
	off += 4
	m.PublishTime = int64(binary.BigEndian.Uint64(b[off:]))
	off += 8
	m.PrevPublishTime = int64(binary.BigEndian.Uint64(b[off:]))
	off += 8
	m.EMAPrice = int64(binary.BigEndian.Uint64(b[off:]))
	off += 8
	m.EMAConfidence = binary.BigEndian.Uint64(b[off:])
	return m, nil
}

// EncodeAccumulator wraps messages in an accumulator envelope with an empty
// VAA and no merkle proofs.
func EncodeAccumulator(msgs ...[]byte) []byte {
	buf := append([]byte{}, accumulatorMagic...)
	buf = append(buf, accumulatorMajorVersion, 0, 0)
	buf = append(buf, wormholeMerkleUpdate)
	buf = binary.BigEndian.AppendUint16(buf, 0)
	buf = append(buf, byte(len(msgs)))
	for _, m := range msgs {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(m)))
		buf = append(buf, m...)
		buf = append(buf, 0)
	}
	return buf
}

// decodeUpdate returns every price message carried by raw, which is either a
// bare message or an accumulator envelope.
func decodeUpdate(raw []byte) ([]Message, error) {
	if !bytes.HasPrefix(raw, accumulatorMagic) {
		m, err := decodeMessage(raw)
		if err != nil {
			return nil, err
		}
		return []Message{m}, nil
	}

	r := &reader{b: raw[len(accumulatorMagic):]}
	major := r.u8()
	r.u8() // minor
	r.skip(int(r.u8()))
	if r.err != nil {
		return nil, r.err
	}
	if major != accumulatorMajorVersion {
		return nil, fmt.Errorf("%w: unsupported accumulator version %d", domain.ErrMalformedUpdate, major)
	}
	if kind := r.u8(); kind != wormholeMerkleUpdate {
		return nil, fmt.Errorf("%w: unsupported update type %d", domain.ErrMalformedUpdate, kind)
	}
	r.skip(int(r.u16())) // vaa

	n := int(r.u8())
	msgs := make([]Message, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		body := r.bytes(int(r.u16()))
		r.skip(int(r.u8()) * merkleNodeSize)
		if r.err != nil {
			break
		}
		m, err := decodeMessage(body)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if r.err != nil {
		return nil, r.err
	}
	return msgs, nil
}

// DecodeHex accepts hex with or without a 0x prefix.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedUpdate, err)
	}
	return b, nil
}

// reader is a sticky-error cursor over an envelope.
type reader struct {
	b   []byte
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.b) {
		r.err = fmt.Errorf("%w: truncated accumulator envelope", domain.ErrMalformedUpdate)
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) skip(n int) { r.bytes(n) }

func (r *reader) u8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}
