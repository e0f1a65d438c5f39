package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// zstdMagic prefixes every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type wireUser struct {
	ID string `json:"id"`
}

type wireEvent struct {
	Type         string        `json:"type"`
	CreatedAt    string        `json:"created_at"`
	CID          string        `json:"cid"`
	User         *wireUser     `json:"user"`
	Me           *wireUser     `json:"me"`
	ConnectionID string        `json:"connection_id"`
	Error        *ErrorPayload `json:"error"`
}

// Decoder turns transport frames into envelopes. Text frames carry JSON;
// binary frames carry a zstd-compressed protobuf Struct with the same fields.
// Decode is safe for concurrent use.
type Decoder struct {
	zstd *zstd.Decoder
}

func NewDecoder() (*Decoder, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Decoder{zstd: dec}, nil
}

// Close releases the zstd decoder.
func (d *Decoder) Close() {
	d.zstd.Close()
}

func (d *Decoder) Decode(frame []byte) (Envelope, error) {
	if len(frame) == 0 {
		return Envelope{}, &DecodeError{Reason: "empty frame"}
	}

	raw := frame
	if bytes.HasPrefix(frame, zstdMagic) {
		var err error
		raw, err = d.decodeBinary(frame)
		if err != nil {
			return Envelope{}, err
		}
	}

	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, &DecodeError{Reason: "invalid json", Err: err}
	}

	env := Envelope{
		Type:         w.Type,
		ChannelID:    w.CID,
		ConnectionID: w.ConnectionID,
		Error:        w.Error,
		Raw:          json.RawMessage(raw),
	}
	if env.Type == "" && w.Error != nil {
		env.Type = TypeConnectionError
	}
	if env.Type == "" {
		return Envelope{}, &DecodeError{Reason: "missing type"}
	}

	switch {
	case w.User != nil:
		env.UserID = w.User.ID
	case w.Me != nil:
		env.UserID = w.Me.ID
	}

	if w.CreatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.CreatedAt)
		if err != nil {
			return Envelope{}, &DecodeError{Reason: "invalid created_at", Err: err}
		}
		env.CreatedAt = ts
	}
	return env, nil
}

func (d *Decoder) decodeBinary(frame []byte) ([]byte, error) {
	payload, err := d.zstd.DecodeAll(frame, nil)
	if err != nil {
		return nil, &DecodeError{Reason: "zstd decompress", Err: err}
	}

	var s structpb.Struct
	if err := proto.Unmarshal(payload, &s); err != nil {
		return nil, &DecodeError{Reason: "protobuf unmarshal", Err: err}
	}

	out, err := protojson.Marshal(&s)
	if err != nil {
		return nil, &DecodeError{Reason: "protobuf to json", Err: err}
	}
	return out, nil
}

// Encoder produces binary frames Decoder understands.
type Encoder struct {
	zstd *zstd.Encoder
}

func NewEncoder() (*Encoder, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &Encoder{zstd: enc}, nil
}

// EncodeJSON converts a JSON object to a zstd-compressed protobuf Struct.
func (e *Encoder) EncodeJSON(data []byte) ([]byte, error) {
	var s structpb.Struct
	if err := protojson.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("json to protobuf: %w", err)
	}
	payload, err := proto.Marshal(&s)
	if err != nil {
		return nil, fmt.Errorf("marshal protobuf: %w", err)
	}
	return e.zstd.EncodeAll(payload, nil), nil
}

// Close releases the zstd encoder.
func (e *Encoder) Close() error {
	return e.zstd.Close()
}
