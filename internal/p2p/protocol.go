package p2p

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/echenim/Bedrock/walletd/internal/types"
)

// ProtocolSync is the request/response stream protocol for tips and blocks.
const ProtocolSync = protocol.ID("/walletd/sync/1.0.0")

// MessageType identifies the type of a message on the wire.
type MessageType byte

const (
	MsgTipRequest     MessageType = 0x01
	MsgTipResponse    MessageType = 0x02
	MsgBlocksRequest  MessageType = 0x03
	MsgBlocksResponse MessageType = 0x04
	MsgError          MessageType = 0x05
	MsgSuperblock     MessageType = 0x10
)

// MaxMessageSize is the maximum allowed message size (4 MB).
const MaxMessageSize = 4 * 1024 * 1024

// MaxBlocksPerRequest caps the blocks served for one request.
const MaxBlocksPerRequest = 256

func (mt MessageType) String() string {
	switch mt {
	case MsgTipRequest:
		return "tip_request"
	case MsgTipResponse:
		return "tip_response"
	case MsgBlocksRequest:
		return "blocks_request"
	case MsgBlocksResponse:
		return "blocks_response"
	case MsgError:
		return "error"
	case MsgSuperblock:
		return "superblock"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(mt))
	}
}

// TipResponse answers MsgTipRequest. Known is false when the serving node
// has no tip yet.
type TipResponse struct {
	Tip   types.CheckpointBeacon `json:"tip"`
	Known bool                   `json:"known"`
}

// BlocksRequest asks for up to Limit consecutive blocks starting at From.
type BlocksRequest struct {
	From  uint32 `json:"from"`
	Limit int    `json:"limit"`
}

// BlocksResponse answers MsgBlocksRequest.
type BlocksResponse struct {
	Blocks []types.BlockUpdate `json:"blocks"`
}

// ErrorResponse reports a request the remote side refused.
type ErrorResponse struct {
	Message string `json:"message"`
}

// ErrRemote wraps an ErrorResponse received from a peer.
var ErrRemote = errors.New("p2p: remote error")

// Envelope wraps a typed message for wire encoding.
type Envelope struct {
	Type    MessageType
	Payload []byte
}

// Encode serializes the envelope as [type_byte | json_payload].
func (e *Envelope) Encode() []byte {
	buf := make([]byte, 1+len(e.Payload))
	buf[0] = byte(e.Type)
	copy(buf[1:], e.Payload)
	return buf
}

// DecodeEnvelope parses a wire-format message into an Envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, errors.New("p2p: empty message")
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("p2p: message too large: %d > %d", len(data), MaxMessageSize)
	}
	return &Envelope{
		Type:    MessageType(data[0]),
		Payload: data[1:],
	}, nil
}

// EncodeMessage marshals v as the JSON payload of a typed envelope.
func EncodeMessage(mt MessageType, v any) (*Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("p2p: marshal %s: %w", mt, err)
	}
	return &Envelope{Type: mt, Payload: payload}, nil
}

// DecodePayload unmarshals the payload of env into v after checking that
// env is of type want. An error envelope is returned as ErrRemote.
func DecodePayload(env *Envelope, want MessageType, v any) error {
	if env.Type == MsgError && want != MsgError {
		var e ErrorResponse
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return fmt.Errorf("p2p: unmarshal error response: %w", err)
		}
		return fmt.Errorf("%w: %s", ErrRemote, e.Message)
	}
	if env.Type != want {
		return fmt.Errorf("p2p: unexpected message type %s, want %s", env.Type, want)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("p2p: unmarshal %s: %w", want, err)
	}
	return nil
}

// WriteFrame writes env prefixed with its 4-byte big-endian length.
func WriteFrame(w io.Writer, env *Envelope) error {
	data := env.Encode()
	if len(data) > MaxMessageSize {
		return fmt.Errorf("p2p: message too large: %d > %d", len(data), MaxMessageSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed envelope.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxMessageSize {
		return nil, fmt.Errorf("p2p: invalid frame length %d", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return DecodeEnvelope(data)
}
