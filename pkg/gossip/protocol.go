package gossip

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"
)

type messageType uint8

const (
	messageTypePush messageType = iota + 1
	messageTypePullRequest
	messageTypePullResponse
	messageTypePrune
)

func (t messageType) String() string {
	switch t {
	case messageTypePush:
		return "push"
	case messageTypePullRequest:
		return "pull-request"
	case messageTypePullResponse:
		return "pull-response"
	case messageTypePrune:
		return "prune"
	default:
		return "unknown"
	}
}

const (
	supportedVersion uint8 = 0
)

type encoder struct {
	encoder *codec.Encoder
}

func newEncoder(writer io.Writer) *encoder {
	return &encoder{
		encoder: codec.NewEncoder(writer, canonicalHandle()),
	}
}

func (e *encoder) Encode(v interface{}) error {
	return e.encoder.Encode(v)
}

type decoder struct {
	decoder *codec.Decoder
}

func newDecoder(reader io.Reader) *decoder {
	return &decoder{
		decoder: codec.NewDecoder(reader, canonicalHandle()),
	}
}

func (d *decoder) Decode(v interface{}) error {
	return d.decoder.Decode(v)
}

type pushHeader struct {
	From string `codec:"from"`
}

type pullRequestHeader struct {
	From   recordWire `codec:"from"`
	Filter PullFilter `codec:"filter"`
}

type pullResponseHeader struct {
	From string `codec:"from"`
}

type pruneMessage struct {
	From string `codec:"from"`
	// Destination names the intended receiver. A prune arriving at any
	// other node is discarded.
	Destination string   `codec:"destination"`
	Origins     []string `codec:"origins"`
}

// encodeRecordStream encodes the fixed header then appends records until
// the next record would exceed maxSize. Returns the encoded message and the
// number of records included; the caller sends the remainder in a further
// message rather than dropping it.
func encodeRecordStream(
	msgType messageType,
	header interface{},
	records []*Record,
	maxSize int,
) ([]byte, int, error) {
	var buf bytes.Buffer
	_ = buf.WriteByte(uint8(msgType))
	_ = buf.WriteByte(supportedVersion)

	encoder := newEncoder(&buf)

	if err := encoder.Encode(header); err != nil {
		return nil, 0, fmt.Errorf("encode: %w", err)
	}

	if buf.Len() > maxSize {
		return nil, 0, fmt.Errorf(
			"max message size too small for header: %d < %d",
			maxSize, buf.Len(),
		)
	}

	// Keep appending records until we exceed the size limit. bufLen contains
	// the number of bytes to send (which may be less than buf.Len() if we
	// exceed the limit).
	bufLen := buf.Len()
	sent := 0
	for _, record := range records {
		wire := record.wire()
		if err := encoder.Encode(&wire); err != nil {
			return nil, 0, fmt.Errorf("encode: %w", err)
		}

		if buf.Len() > maxSize {
			break
		}
		bufLen = buf.Len()
		sent++
	}

	return buf.Bytes()[:bufLen], sent, nil
}

func encodePush(header pushHeader, records []*Record, maxSize int) ([]byte, int, error) {
	return encodeRecordStream(messageTypePush, &header, records, maxSize)
}

func encodePullResponse(header pullResponseHeader, records []*Record, maxSize int) ([]byte, int, error) {
	return encodeRecordStream(messageTypePullResponse, &header, records, maxSize)
}

func encodePullRequest(header pullRequestHeader, maxSize int) ([]byte, error) {
	var buf bytes.Buffer
	_ = buf.WriteByte(uint8(messageTypePullRequest))
	_ = buf.WriteByte(supportedVersion)

	encoder := newEncoder(&buf)
	if err := encoder.Encode(&header); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	if buf.Len() > maxSize {
		return nil, fmt.Errorf(
			"pull request exceeds max message size: %d > %d",
			buf.Len(), maxSize,
		)
	}

	return buf.Bytes(), nil
}

func encodePrune(msg pruneMessage, maxSize int) ([]byte, error) {
	var buf bytes.Buffer
	_ = buf.WriteByte(uint8(messageTypePrune))
	_ = buf.WriteByte(supportedVersion)

	encoder := newEncoder(&buf)
	if err := encoder.Encode(&msg); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	if buf.Len() > maxSize {
		return nil, fmt.Errorf(
			"prune exceeds max message size: %d > %d",
			buf.Len(), maxSize,
		)
	}

	return buf.Bytes(), nil
}

// peekMessage validates the fixed header and returns the message type.
func peekMessage(b []byte) (messageType, error) {
	if len(b) < 2 {
		return 0, fmt.Errorf("message too small: %d", len(b))
	}
	if b[1] != supportedVersion {
		return 0, fmt.Errorf("unsupported version: %d", b[1])
	}
	return messageType(b[0]), nil
}

// decodeRecordStream decodes a header-then-records message produced by
// encodeRecordStream.
func decodeRecordStream(
	b []byte,
	msgType messageType,
	header interface{},
) ([]recordWire, error) {
	r := bytes.NewBuffer(b)

	firstByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if messageType(firstByte) != msgType {
		return nil, fmt.Errorf("incorrect message type: %s", messageType(firstByte))
	}
	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if version != supportedVersion {
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	decoder := newDecoder(r)
	if err := decoder.Decode(header); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	var records []recordWire
	for {
		// Read records until EOF.
		var wire recordWire
		if err := decoder.Decode(&wire); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode: %w", err)
		}
		records = append(records, wire)
	}

	return records, nil
}

func decodePush(b []byte) (pushHeader, []recordWire, error) {
	var header pushHeader
	records, err := decodeRecordStream(b, messageTypePush, &header)
	if err != nil {
		return pushHeader{}, nil, err
	}
	return header, records, nil
}

func decodePullResponse(b []byte) (pullResponseHeader, []recordWire, error) {
	var header pullResponseHeader
	records, err := decodeRecordStream(b, messageTypePullResponse, &header)
	if err != nil {
		return pullResponseHeader{}, nil, err
	}
	return header, records, nil
}

func decodePullRequest(b []byte) (pullRequestHeader, error) {
	r := bytes.NewBuffer(b)

	firstByte, err := r.ReadByte()
	if err != nil {
		return pullRequestHeader{}, fmt.Errorf("read: %w", err)
	}
	if messageType(firstByte) != messageTypePullRequest {
		return pullRequestHeader{}, fmt.Errorf(
			"incorrect message type: %s", messageType(firstByte),
		)
	}
	version, err := r.ReadByte()
	if err != nil {
		return pullRequestHeader{}, fmt.Errorf("read: %w", err)
	}
	if version != supportedVersion {
		return pullRequestHeader{}, fmt.Errorf("unsupported version: %d", version)
	}

	var header pullRequestHeader
	if err := newDecoder(r).Decode(&header); err != nil {
		return pullRequestHeader{}, fmt.Errorf("decode: %w", err)
	}
	if header.Filter.Filter == nil || header.Filter.Filter.NumBits == 0 {
		return pullRequestHeader{}, fmt.Errorf("corrupt filter")
	}
	return header, nil
}

func decodePrune(b []byte) (pruneMessage, error) {
	r := bytes.NewBuffer(b)

	firstByte, err := r.ReadByte()
	if err != nil {
		return pruneMessage{}, fmt.Errorf("read: %w", err)
	}
	if messageType(firstByte) != messageTypePrune {
		return pruneMessage{}, fmt.Errorf(
			"incorrect message type: %s", messageType(firstByte),
		)
	}
	version, err := r.ReadByte()
	if err != nil {
		return pruneMessage{}, fmt.Errorf("read: %w", err)
	}
	if version != supportedVersion {
		return pruneMessage{}, fmt.Errorf("unsupported version: %d", version)
	}

	var msg pruneMessage
	if err := newDecoder(r).Decode(&msg); err != nil {
		return pruneMessage{}, fmt.Errorf("decode: %w", err)
	}
	return msg, nil
}
