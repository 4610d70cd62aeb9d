package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind tags which role produced an envelope.
type Kind string

const (
	KindHost   Kind = "host"
	KindClient Kind = "client"
)

// HostMeta describes the sending host.
type HostMeta struct {
	RoomID          string `json:"roomId"`
	Initialized     bool   `json:"initialized"`
	ConnectedToRoom bool   `json:"connectedToRoom"`
}

// ClientMeta describes the sending client.
type ClientMeta struct {
	UserID   string `json:"userId"`
	RoomID   string `json:"roomId"`
	SocketID string `json:"socketId"`
}

// Envelope wraps an application payload relayed through the signaling
// service. Exactly one of Host and Client is set, matching Kind.
type Envelope struct {
	Kind    Kind
	Host    *HostMeta
	Client  *ClientMeta
	To      string
	Payload json.RawMessage
}

type wireEnvelope struct {
	Kind    Kind            `json:"kind,omitempty"`
	Meta    json.RawMessage `json:"meta"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// NewHostEnvelope encodes payload for relaying by a host. With stringify set
// the payload travels as a JSON string holding its JSON text.
func NewHostEnvelope(meta HostMeta, to string, payload any, stringify bool) (Envelope, error) {
	raw, err := encodePayload(payload, stringify)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: KindHost, Host: &meta, To: to, Payload: raw}, nil
}

// NewClientEnvelope encodes payload for relaying by a client.
func NewClientEnvelope(meta ClientMeta, to string, payload any, stringify bool) (Envelope, error) {
	raw, err := encodePayload(payload, stringify)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: KindClient, Client: &meta, To: to, Payload: raw}, nil
}

func encodePayload(payload any, stringify bool) (json.RawMessage, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if stringify {
		b, err = json.Marshal(string(b))
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}
	return b, nil
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	var meta any
	switch e.Kind {
	case KindHost:
		meta = e.Host
	case KindClient:
		meta = e.Client
	default:
		return nil, fmt.Errorf("envelope: unknown kind %q", e.Kind)
	}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return json.Marshal(wireEnvelope{Kind: e.Kind, Meta: metaRaw, To: e.To, Payload: payload})
}

// UnmarshalJSON accepts envelopes without a kind tag by checking whether the
// metadata carries a userId, which only client metadata has.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	kind := w.Kind
	if kind == "" {
		var meta map[string]json.RawMessage
		if len(w.Meta) > 0 && json.Unmarshal(w.Meta, &meta) == nil {
			if _, ok := meta["userId"]; ok {
				kind = KindClient
			}
		}
		if kind == "" {
			kind = KindHost
		}
	}

	out := Envelope{Kind: kind, To: w.To, Payload: w.Payload}
	hasMeta := len(w.Meta) > 0 && !bytes.Equal(bytes.TrimSpace(w.Meta), []byte("null"))
	switch kind {
	case KindHost:
		out.Host = &HostMeta{}
		if hasMeta {
			if err := json.Unmarshal(w.Meta, out.Host); err != nil {
				return fmt.Errorf("envelope host meta: %w", err)
			}
		}
	case KindClient:
		out.Client = &ClientMeta{}
		if hasMeta {
			if err := json.Unmarshal(w.Meta, out.Client); err != nil {
				return fmt.Errorf("envelope client meta: %w", err)
			}
		}
	default:
		return fmt.Errorf("envelope: unknown kind %q", kind)
	}
	*e = out
	return nil
}

// Message is a decoded Envelope as delivered to application code.
type Message struct {
	Kind    Kind
	Host    *HostMeta
	Client  *ClientMeta
	To      string
	Payload any
}

func (e Envelope) Decode() Message {
	return Message{
		Kind:    e.Kind,
		Host:    e.Host,
		Client:  e.Client,
		To:      e.To,
		Payload: DecodePayload(e.Payload),
	}
}

// DecodePayload decodes a JSON value received as an envelope payload. A
// string is parsed again as JSON when possible, so stringified payloads come
// back in their original shape; other strings are returned as is.
func DecodePayload(raw json.RawMessage) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	if s, ok := v.(string); ok {
		return DecodeText([]byte(s))
	}
	return v
}

// DecodeText parses text as JSON, returning the text itself when it is not
// valid JSON.
func DecodeText(text []byte) any {
	var v any
	if err := json.Unmarshal(text, &v); err != nil {
		return string(text)
	}
	return v
}
