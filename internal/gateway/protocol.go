package gateway

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/echo-of-machines/ClawBridge/internal/rpc"
)

// Frame types on the gateway channel.
const (
	typeRequest  = "req"
	typeResponse = "res"
	typeEvent    = "event"
)

// Reserved events.
const (
	// EventChallenge carries the nonce the connect handshake consumes.
	EventChallenge = "connect.challenge"
	// EventTick is the periodic liveness signal from the far end.
	EventTick = "tick"
)

// Protocol versions this client can speak.
const (
	minProtocol = 1
	maxProtocol = 1
)

type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Event string `json:"event,omitempty"`
	Seq   int64  `json:"seq,omitempty"`
}

// gatewayCodec speaks the typed-envelope protocol: random string correlation
// ids, `req`/`res`/`ok` request-response pairs and named `event` frames.
type gatewayCodec struct{}

func (gatewayCodec) RequestID(seq uint64) string {
	return uuid.New().String()
}

func (gatewayCodec) EncodeRequest(id, method string, params any) ([]byte, error) {
	return json.Marshal(frame{
		Type:   typeRequest,
		ID:     id,
		Method: method,
		Params: params,
	})
}

func (gatewayCodec) Decode(data []byte) (*rpc.Inbound, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, nil
	}
	switch f.Type {
	case typeResponse:
		in := &rpc.Inbound{
			Kind:   rpc.KindResponse,
			ID:     f.ID,
			Result: f.Payload,
		}
		if f.OK == nil || !*f.OK {
			in.IsErr = true
			if f.Error != nil {
				in.ErrMsg = f.Error.Message
			} else {
				in.ErrMsg = "request failed"
			}
		}
		return in, nil
	case typeEvent:
		if f.Event == "" {
			return nil, nil
		}
		return &rpc.Inbound{
			Kind:    rpc.KindEvent,
			Event:   f.Event,
			Payload: f.Payload,
		}, nil
	default:
		return nil, nil
	}
}

// ClientInfo identifies this bridge to the gateway.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// ConnectParams is the handshake request sent in reply to a challenge.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Caps        []string    `json:"caps"`
	Auth        *AuthParams `json:"auth,omitempty"`
	Role        string      `json:"role"`
	Scopes      []string    `json:"scopes"`
	Nonce       string      `json:"nonce"`
}

// AuthParams carries the optional shared token.
type AuthParams struct {
	Token string `json:"token"`
}

// ConnectReply is the gateway's handshake acknowledgement.
type ConnectReply struct {
	Protocol int `json:"protocol"`
	Server   struct {
		Version string `json:"version"`
		ConnID  string `json:"connId"`
	} `json:"server"`
	Features []string `json:"features"`
	Policy   struct {
		MaxPayload     int `json:"maxPayload"`
		TickIntervalMs int `json:"tickIntervalMs"`
	} `json:"policy"`
}

type challengePayload struct {
	Nonce string `json:"nonce"`
}
