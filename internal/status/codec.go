// Package status implements the status-exchange wire protocol: message
// framing, digest comparison, and the per-stream session state machine.
package status

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ProtocolVersion is the current protocol version. Peers must match
// exactly; there is no negotiation.
const ProtocolVersion uint32 = 1

// ProtocolID identifies the status exchange protocol on a libp2p host.
const ProtocolID = "/dx/status/1.0.0"

// Message type tags
const (
	msgHello        byte = 0x01
	msgStatusReport byte = 0x02
	msgAck          byte = 0x03
	msgReject       byte = 0x04
)

// DigestSize is the fixed size of a status digest in bytes.
const DigestSize = 20

// MaxFrameSize bounds a single frame body (tag plus payload). Hello
// carries a variable-length identity; everything else is far smaller.
const MaxFrameSize = 4096

// maxIdentityLen bounds the identity field inside a Hello.
const maxIdentityLen = 128

// Digest is an opaque fixed-size state fingerprint. Its provenance
// (content hash, commit id) is the caller's business.
type Digest [DigestSize]byte

// IsZero reports whether d is the all-zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

var (
	// ErrMalformedMessage indicates a frame that failed structural
	// validation. The input is never partially applied.
	ErrMalformedMessage = errors.New("malformed status message")
	// ErrVersionMismatch indicates the peer speaks a different protocol
	// version.
	ErrVersionMismatch = errors.New("protocol version mismatch")
)

// RejectReason explains why a peer refused an exchange.
type RejectReason byte

const (
	RejectVersionMismatch RejectReason = 1
	RejectNotTrusted      RejectReason = 2
	RejectBusy            RejectReason = 3
	RejectInternal        RejectReason = 4
)

func (r RejectReason) String() string {
	switch r {
	case RejectVersionMismatch:
		return "version mismatch"
	case RejectNotTrusted:
		return "not trusted"
	case RejectBusy:
		return "busy"
	case RejectInternal:
		return "internal error"
	default:
		return fmt.Sprintf("reason(%d)", byte(r))
	}
}

// Message is one protocol message. Concrete types: Hello, StatusReport,
// Ack, Reject.
type Message interface {
	tag() byte
}

// Hello opens an exchange: protocol version plus the sender's claimed
// identity. The transport authenticates the identity; the claim exists
// so both sides log and gate on the same value.
type Hello struct {
	Version  uint32
	Identity peer.ID
}

// StatusReport carries the sender's current digest and the unix-milli
// time it was produced.
type StatusReport struct {
	Digest     Digest
	ReportedAt int64
}

// Ack confirms the exchange completed from the sender's side.
type Ack struct{}

// Reject refuses the exchange and ends the session.
type Reject struct {
	Reason RejectReason
}

func (Hello) tag() byte        { return msgHello }
func (StatusReport) tag() byte { return msgStatusReport }
func (Ack) tag() byte          { return msgAck }
func (Reject) tag() byte       { return msgReject }

// Encode serializes msg into a length-prefixed frame:
//
//	u32 body length | u8 tag | payload
func Encode(msg Message) ([]byte, error) {
	var payload []byte
	switch m := msg.(type) {
	case Hello:
		id := []byte(m.Identity)
		if len(id) == 0 || len(id) > maxIdentityLen {
			return nil, fmt.Errorf("%w: hello identity length %d", ErrMalformedMessage, len(id))
		}
		payload = make([]byte, 4+2+len(id))
		binary.BigEndian.PutUint32(payload, m.Version)
		binary.BigEndian.PutUint16(payload[4:], uint16(len(id)))
		copy(payload[6:], id)
	case StatusReport:
		payload = make([]byte, DigestSize+8)
		copy(payload, m.Digest[:])
		binary.BigEndian.PutUint64(payload[DigestSize:], uint64(m.ReportedAt))
	case Ack:
		payload = nil
	case Reject:
		payload = []byte{byte(m.Reason)}
	default:
		return nil, fmt.Errorf("%w: unknown message type %T", ErrMalformedMessage, msg)
	}

	frame := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(1+len(payload)))
	frame[4] = msg.tag()
	copy(frame[5:], payload)
	return frame, nil
}

// Decode parses one frame body (tag plus payload, the bytes after the
// length prefix). It is pure: a failed decode has no side effects.
func Decode(body []byte) (Message, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedMessage)
	}
	tag, payload := body[0], body[1:]

	switch tag {
	case msgHello:
		if len(payload) < 6 {
			return nil, fmt.Errorf("%w: hello truncated", ErrMalformedMessage)
		}
		version := binary.BigEndian.Uint32(payload)
		idLen := int(binary.BigEndian.Uint16(payload[4:]))
		if idLen == 0 || idLen > maxIdentityLen {
			return nil, fmt.Errorf("%w: hello identity length %d", ErrMalformedMessage, idLen)
		}
		if len(payload) != 6+idLen {
			return nil, fmt.Errorf("%w: hello payload length %d, want %d",
				ErrMalformedMessage, len(payload), 6+idLen)
		}
		return Hello{
			Version:  version,
			Identity: peer.ID(payload[6 : 6+idLen]),
		}, nil

	case msgStatusReport:
		if len(payload) != DigestSize+8 {
			return nil, fmt.Errorf("%w: status report payload length %d, want %d",
				ErrMalformedMessage, len(payload), DigestSize+8)
		}
		var m StatusReport
		copy(m.Digest[:], payload[:DigestSize])
		m.ReportedAt = int64(binary.BigEndian.Uint64(payload[DigestSize:]))
		return m, nil

	case msgAck:
		if len(payload) != 0 {
			return nil, fmt.Errorf("%w: ack payload length %d", ErrMalformedMessage, len(payload))
		}
		return Ack{}, nil

	case msgReject:
		if len(payload) != 1 {
			return nil, fmt.Errorf("%w: reject payload length %d", ErrMalformedMessage, len(payload))
		}
		return Reject{Reason: RejectReason(payload[0])}, nil

	default:
		return nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrMalformedMessage, tag)
	}
}

// WriteMessage encodes msg and writes the full frame to w.
func WriteMessage(w io.Writer, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadMessage reads one frame from r and decodes it. The length prefix
// is validated against MaxFrameSize before any payload allocation.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("reading frame length: %w", err)
	}
	bodyLen := binary.BigEndian.Uint32(lenBuf[:])
	if bodyLen == 0 || bodyLen > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d exceeds limit %d",
			ErrMalformedMessage, bodyLen, MaxFrameSize)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return Decode(body)
}
