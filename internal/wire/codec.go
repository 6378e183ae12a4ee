package wire

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec errors.
var (
	// ErrMalformed is returned (wrapped) when a datagram can't be decoded.
	ErrMalformed = errors.New("malformed datagram")

	// ErrTooLarge is returned when an encoded message would exceed
	// MaxDatagramSize.
	ErrTooLarge = errors.New("message exceeds maximum datagram size")
)

// Datagram kinds, stored in the second byte of every datagram.
const (
	kindRequest  byte = 'Q'
	kindResponse byte = 'R'
)

const prefixSize = 3

// EncodeRequest encodes a request into a single datagram.
func EncodeRequest(h RequestHeader, r Request) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("missing request body for %s", h.Op)
	}
	op, err := OpOf(r)
	if err != nil {
		return nil, err
	}
	if h.Op != 0 && h.Op != op {
		return nil, fmt.Errorf("header op %s does not match request body %s", h.Op, op)
	}
	h.Op = op
	return encode(kindRequest, op, &h, r)
}

// EncodeResponse encodes a response into a single datagram. r may be nil
// for responses with a non-OK status.
func EncodeResponse(h ResponseHeader, r Response) ([]byte, error) {
	if _, ok := opNames[h.Op]; !ok {
		return nil, fmt.Errorf("unknown op %d in response header", uint8(h.Op))
	}
	if r == nil && h.Status == StatusOK {
		return nil, fmt.Errorf("missing response body for successful %s", h.Op)
	}
	var body interface{}
	if r != nil {
		body = r
	}
	return encode(kindResponse, h.Op, &h, body)
}

func encode(kind byte, op Op, header, body interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(256)
	buf.Write([]byte{ProtocolVersion, kind, byte(op)})

	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(header); err != nil {
		return nil, fmt.Errorf("encoding %s header: %w", op, err)
	}
	if body != nil {
		if err := enc.Encode(body); err != nil {
			return nil, fmt.Errorf("encoding %s body: %w", op, err)
		}
	}

	if buf.Len() > MaxDatagramSize {
		return nil, fmt.Errorf("%s is %d bytes: %w", op, buf.Len(), ErrTooLarge)
	}
	return buf.Bytes(), nil
}

// DecodeRequest decodes a request datagram.
func DecodeRequest(b []byte) (h RequestHeader, r Request, err error) {
	defer recoverMalformed(&err)

	op, rd, err := readPrefix(b, kindRequest)
	if err != nil {
		return h, nil, err
	}
	dec := msgpack.NewDecoder(rd)
	if err := dec.Decode(&h); err != nil {
		return h, nil, fmt.Errorf("%w: request header: %s", ErrMalformed, err)
	}
	h.Op = op

	r, err = NewEmptyRequest(op)
	if err != nil {
		return h, nil, err
	}
	if rd.Len() == 0 {
		return h, nil, fmt.Errorf("%w: missing %s request body", ErrMalformed, op)
	}
	if err := dec.Decode(r); err != nil {
		return h, nil, fmt.Errorf("%w: %s request body: %s", ErrMalformed, op, err)
	}
	if rd.Len() != 0 {
		return h, nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, rd.Len())
	}
	return h, r, nil
}

// DecodeResponse decodes a response datagram. The returned Response is nil
// when the datagram carried no body.
func DecodeResponse(b []byte) (h ResponseHeader, r Response, err error) {
	defer recoverMalformed(&err)

	op, rd, err := readPrefix(b, kindResponse)
	if err != nil {
		return h, nil, err
	}
	dec := msgpack.NewDecoder(rd)
	if err := dec.Decode(&h); err != nil {
		return h, nil, fmt.Errorf("%w: response header: %s", ErrMalformed, err)
	}
	h.Op = op
	h.Status = h.Status.normalize()

	if rd.Len() == 0 {
		if h.Status == StatusOK {
			return h, nil, fmt.Errorf("%w: missing %s response body", ErrMalformed, op)
		}
		return h, nil, nil
	}

	r, err = NewEmptyResponse(op)
	if err != nil {
		return h, nil, err
	}
	if err := dec.Decode(r); err != nil {
		return h, nil, fmt.Errorf("%w: %s response body: %s", ErrMalformed, op, err)
	}
	if rd.Len() != 0 {
		return h, nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, rd.Len())
	}
	if rr, ok := r.(*ReaddirResponse); ok {
		for _, ent := range rr.Entries {
			if !ValidName(ent.Name) {
				return h, nil, fmt.Errorf("%w: invalid entry name %q", ErrMalformed, ent.Name)
			}
		}
	}
	return h, r, nil
}

func readPrefix(b []byte, kind byte) (Op, *bytes.Reader, error) {
	switch {
	case len(b) > MaxDatagramSize:
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(b))
	case len(b) < prefixSize:
		return 0, nil, fmt.Errorf("%w: short datagram of %d bytes", ErrMalformed, len(b))
	case b[0] != ProtocolVersion:
		return 0, nil, fmt.Errorf("%w: unsupported protocol version %d", ErrMalformed, b[0])
	case b[1] != kind:
		return 0, nil, fmt.Errorf("%w: unexpected datagram kind %q", ErrMalformed, b[1])
	}
	op := Op(b[2])
	if _, ok := opNames[op]; !ok {
		return 0, nil, fmt.Errorf("%w: unknown op %d", ErrMalformed, b[2])
	}
	return op, bytes.NewReader(b[prefixSize:]), nil
}

func recoverMalformed(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: panic while decoding: %v", ErrMalformed, r)
	}
}

// ValidName reports whether name can be used as a single path component.
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsRune(name, '/')
}

// MaxWriteData returns the largest payload a WriteRequest for path can carry
// while fitting in one datagram. Returns 0 if path is too long for any
// payload.
func MaxWriteData(path string) int {
	b, err := EncodeRequest(RequestHeader{ID: ^uint64(0)}, &WriteRequest{Path: path, Data: []byte{}, Offset: -1 << 62})
	if err != nil {
		return 0
	}
	// An empty payload encodes as a 2-byte bin8; payloads up to 64KiB use a
	// 3-byte bin16 header.
	n := MaxDatagramSize - len(b) - 1
	if n < 0 {
		return 0
	}
	return n
}

// EntrySize returns the number of bytes ent adds to an encoded
// ReaddirResponse.
func EntrySize(ent Entry) int {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(&ent); err != nil {
		return MaxDatagramSize
	}
	return buf.Len()
}

// ReaddirBudget returns the number of bytes available for entries in a
// ReaddirResponse. The sum of EntrySize over a page must not exceed it.
func ReaddirBudget() int {
	b, err := EncodeResponse(ResponseHeader{Op: OpReaddir, ID: ^uint64(0)}, &ReaddirResponse{Entries: []Entry{}})
	if err != nil {
		return 0
	}
	// The empty list encodes as a 1-byte fixarray; longer lists need up to
	// a 3-byte array16 header.
	return MaxDatagramSize - len(b) - 2
}
