package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// Wire type tags.
const (
	typeInit     = "init"
	typeConvert  = "convert"
	typeDestroy  = "destroy"
	typeResponse = "response"
	typeReady    = "ready"
	typeFault    = "fault"
)

// envelope is the JSON shape of every message on a stream.
type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Success bool            `json:"success,omitempty"`
	Data    *ConvertResult  `json:"data,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// UnknownMessageError occurs when a stream carries an unrecognized type tag.
type UnknownMessageError struct {
	Type string
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("unknown message type '%s'", e.Type)
}

// Encoder writes messages as a stream of JSON values.
type Encoder struct {
	enc *json.Encoder
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// WriteRequest encodes a parent-to-worker message.
func (e *Encoder) WriteRequest(req Request) error {
	env := envelope{ID: req.RequestID()}
	var payload any

	switch r := req.(type) {
	case *InitRequest:
		env.Type = typeInit
		payload = r.Payload
	case *ConvertRequest:
		env.Type = typeConvert
		payload = r.Payload
	case *DestroyRequest:
		env.Type = typeDestroy
	default:
		return fmt.Errorf("unsupported request %T", req)
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", env.Type, err)
		}
		env.Payload = raw
	}

	return e.enc.Encode(&env)
}

// WriteEvent encodes a worker-to-parent message.
func (e *Encoder) WriteEvent(ev Event) error {
	var env envelope

	switch v := ev.(type) {
	case *Response:
		env.Type = typeResponse
		env.ID = v.ID
		env.Success = v.Success
		env.Data = v.Result
		env.Error = v.Err
	case *Ready:
		env.Type = typeReady
	case *Fault:
		env.Type = typeFault
		env.Reason = v.Reason
	default:
		return fmt.Errorf("unsupported event %T", ev)
	}

	return e.enc.Encode(&env)
}

// Decoder reads messages written by an Encoder.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// ReadRequest decodes the next parent-to-worker message.
// It returns io.EOF when the stream ends cleanly.
func (d *Decoder) ReadRequest() (Request, error) {
	var env envelope
	if err := d.dec.Decode(&env); err != nil {
		return nil, err
	}

	switch env.Type {
	case typeInit:
		req := &InitRequest{ID: env.ID}
		if err := unmarshalPayload(env, &req.Payload); err != nil {
			return nil, err
		}
		return req, nil
	case typeConvert:
		req := &ConvertRequest{ID: env.ID}
		if err := unmarshalPayload(env, &req.Payload); err != nil {
			return nil, err
		}
		return req, nil
	case typeDestroy:
		return &DestroyRequest{ID: env.ID}, nil
	default:
		return nil, &UnknownMessageError{Type: env.Type}
	}
}

// ReadEvent decodes the next worker-to-parent message.
// It returns io.EOF when the stream ends cleanly.
func (d *Decoder) ReadEvent() (Event, error) {
	var env envelope
	if err := d.dec.Decode(&env); err != nil {
		return nil, err
	}

	switch env.Type {
	case typeResponse:
		return &Response{
			ID:      env.ID,
			Success: env.Success,
			Result:  env.Data,
			Err:     env.Error,
		}, nil
	case typeReady:
		return &Ready{}, nil
	case typeFault:
		return &Fault{Reason: env.Reason}, nil
	default:
		return nil, &UnknownMessageError{Type: env.Type}
	}
}

func unmarshalPayload(env envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("message '%s' (id: %s) has no payload", env.Type, env.ID)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
	}
	return nil
}
