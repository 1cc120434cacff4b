package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/teknokomo/universo-platformo-react-sub028/internal/snapshot"
	"github.com/teknokomo/universo-platformo-react-sub028/internal/wire"
)

const (
	// Version tracks the wire-protocol revision expected by clients.
	Version = 1
)

// Client message type identifiers.
const (
	TypeInput       = "input"
	TypeAck         = "ack"
	TypePing        = "ping"
	TypeKeyframeReq = "keyframeRequest"
)

// Server message type identifiers.
const (
	TypeWelcome      = "welcome"
	TypeDelta        = "delta"
	TypeKeyframe     = "keyframe"
	TypeInputAck     = "inputAck"
	TypeInputReject  = "inputReject"
	TypePong         = "pong"
	TypeKeyframeNack = "keyframeNack"
)

// Input rejection reasons.
const (
	RejectGap       = "gap"
	RejectDuplicate = "duplicate"
	RejectInvalid   = "invalid"
)

var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrUnknownType        = errors.New("unknown message type")
)

// ClientMessage captures an inbound websocket message from the client.
type ClientMessage struct {
	Ver        int             `json:"ver,omitempty"`
	Type       string          `json:"type"`
	Seq        int64           `json:"seq,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Tick       uint64          `json:"tick,omitempty"`
	ClientSend int64           `json:"clientSend,omitempty"`
}

// DecodeClientMessage converts raw websocket payloads into a structured
// message. Malformed input is reported, never panics.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	parsed := wire.SafeParse[ClientMessage](payload)
	if !parsed.OK {
		return ClientMessage{}, parsed.Err
	}
	msg := parsed.Value
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("client protocol version %d: %w", msg.Ver, ErrUnsupportedVersion)
	}
	switch msg.Type {
	case TypeInput, TypeAck, TypePing, TypeKeyframeReq:
		return msg, nil
	default:
		return msg, fmt.Errorf("client message %q: %w", msg.Type, ErrUnknownType)
	}
}

// EncodeInput renders a sequenced client intent.
func EncodeInput(seq int64, kind string, payload json.RawMessage) ([]byte, error) {
	return json.Marshal(ClientMessage{Ver: Version, Type: TypeInput, Seq: seq, Kind: kind, Payload: payload})
}

// EncodeAck reports the last tick the client applied.
func EncodeAck(tick uint64) ([]byte, error) {
	return json.Marshal(ClientMessage{Ver: Version, Type: TypeAck, Tick: tick})
}

// EncodePing starts a clock sample.
func EncodePing(clientSend int64) ([]byte, error) {
	return json.Marshal(ClientMessage{Ver: Version, Type: TypePing, ClientSend: clientSend})
}

// EncodeKeyframeRequest asks for the keyframe at tick, or the current state
// when tick is zero.
func EncodeKeyframeRequest(tick uint64) ([]byte, error) {
	return json.Marshal(ClientMessage{Ver: Version, Type: TypeKeyframeReq, Tick: tick})
}

// Envelope is the common header of every server frame.
type Envelope struct {
	Ver  int    `json:"ver"`
	Type string `json:"type"`
}

// DecodeEnvelope reads the version and type of a server frame.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	parsed := wire.SafeParse[Envelope](payload)
	if !parsed.OK {
		return Envelope{}, parsed.Err
	}
	if parsed.Value.Ver != Version {
		return parsed.Value, fmt.Errorf("server protocol version %d: %w", parsed.Value.Ver, ErrUnsupportedVersion)
	}
	return parsed.Value, nil
}

// Decode parses a server frame body after its envelope has been read.
func Decode[T any](payload []byte) (T, error) {
	parsed := wire.SafeParse[T](payload)
	return parsed.Value, parsed.Err
}

// WelcomeV1 greets a new session. A keyframe follows immediately.
type WelcomeV1 struct {
	Ver              int    `json:"ver"`
	Type             string `json:"type"`
	SessionID        string `json:"sessionId"`
	TickRate         int    `json:"tickRate"`
	KeyframeInterval int    `json:"keyframeInterval"`
	ServerTimeMs     int64  `json:"serverTimeMs"`
}

func EncodeWelcome(msg WelcomeV1) ([]byte, error) {
	msg.Ver = Version
	msg.Type = TypeWelcome
	return json.Marshal(msg)
}

// DeltaV1 carries one tick's delta and the FNV-1a checksum of its stable
// encoding.
type DeltaV1 struct {
	Ver  int    `json:"ver"`
	Type string `json:"type"`
	snapshot.Delta
	ServerTimeMs int64  `json:"serverTimeMs"`
	Checksum     uint32 `json:"checksum"`
}

// DeltaChecksum hashes the stable encoding of d.
func DeltaChecksum(d snapshot.Delta) (uint32, error) {
	return wire.HashValue(d)
}

// NewDelta wraps d in a frame with its checksum filled in.
func NewDelta(d snapshot.Delta, serverTimeMs int64) (DeltaV1, error) {
	sum, err := DeltaChecksum(d)
	if err != nil {
		return DeltaV1{}, fmt.Errorf("delta %d checksum: %w", d.Tick, err)
	}
	return DeltaV1{Delta: d, ServerTimeMs: serverTimeMs, Checksum: sum}, nil
}

// Verify recomputes the checksum over the received delta.
func (f DeltaV1) Verify() bool {
	sum, err := DeltaChecksum(f.Delta)
	return err == nil && sum == f.Checksum
}

func EncodeDelta(msg DeltaV1) ([]byte, error) {
	msg.Ver = Version
	msg.Type = TypeDelta
	return json.Marshal(msg)
}

// KeyframeV1 carries a full snapshot and the xxh3 fingerprint of its
// entities.
type KeyframeV1 struct {
	Ver  int    `json:"ver"`
	Type string `json:"type"`
	snapshot.Snapshot
	Fingerprint uint64 `json:"fingerprint"`
	Resync      bool   `json:"resync,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// NewKeyframe wraps snap in a frame with its fingerprint filled in.
func NewKeyframe(snap snapshot.Snapshot) (KeyframeV1, error) {
	fp, err := wire.Fingerprint(snap)
	if err != nil {
		return KeyframeV1{}, fmt.Errorf("keyframe %d: %w", snap.Tick, err)
	}
	return KeyframeV1{Snapshot: snap, Fingerprint: fp}, nil
}

// Verify recomputes the fingerprint over the received entities.
func (f KeyframeV1) Verify() bool {
	fp, err := wire.Fingerprint(f.Snapshot)
	return err == nil && fp == f.Fingerprint
}

func EncodeKeyframe(msg KeyframeV1) ([]byte, error) {
	msg.Ver = Version
	msg.Type = TypeKeyframe
	return json.Marshal(msg)
}

// InputAckV1 confirms a sequenced input was accepted.
type InputAckV1 struct {
	Ver  int    `json:"ver"`
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
	Tick uint64 `json:"tick,omitempty"`
}

func EncodeInputAck(msg InputAckV1) ([]byte, error) {
	msg.Ver = Version
	msg.Type = TypeInputAck
	return json.Marshal(msg)
}

// InputRejectV1 refuses a sequenced input and names the sequence the server
// expects next.
type InputRejectV1 struct {
	Ver          int    `json:"ver"`
	Type         string `json:"type"`
	Seq          int64  `json:"seq"`
	ExpectedNext int64  `json:"expectedNext"`
	Reason       string `json:"reason"`
}

func EncodeInputReject(msg InputRejectV1) ([]byte, error) {
	msg.Ver = Version
	msg.Type = TypeInputReject
	return json.Marshal(msg)
}

// PongV1 answers a ping with the server's receive and send times.
type PongV1 struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	ClientSend int64  `json:"clientSend"`
	ServerRecv int64  `json:"serverRecv"`
	ServerSend int64  `json:"serverSend"`
}

func EncodePong(msg PongV1) ([]byte, error) {
	msg.Ver = Version
	msg.Type = TypePong
	return json.Marshal(msg)
}

// KeyframeNackV1 reports that a requested keyframe is not available.
type KeyframeNackV1 struct {
	Ver    int    `json:"ver"`
	Type   string `json:"type"`
	Tick   uint64 `json:"tick"`
	Reason string `json:"reason"`
}

func EncodeKeyframeNack(msg KeyframeNackV1) ([]byte, error) {
	msg.Ver = Version
	msg.Type = TypeKeyframeNack
	return json.Marshal(msg)
}

// NamedFrame pairs a message type with a zero value of its frame.
type NamedFrame struct {
	Type  string
	Frame any
}

// Catalog lists every frame on the wire, client frames first.
func Catalog() []NamedFrame {
	return []NamedFrame{
		{Type: "client", Frame: ClientMessage{}},
		{Type: TypeWelcome, Frame: WelcomeV1{}},
		{Type: TypeDelta, Frame: DeltaV1{}},
		{Type: TypeKeyframe, Frame: KeyframeV1{}},
		{Type: TypeInputAck, Frame: InputAckV1{}},
		{Type: TypeInputReject, Frame: InputRejectV1{}},
		{Type: TypePong, Frame: PongV1{}},
		{Type: TypeKeyframeNack, Frame: KeyframeNackV1{}},
	}
}
