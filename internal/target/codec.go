package target

import (
	"encoding/json"
	"strconv"

	"github.com/echo-of-machines/ClawBridge/internal/rpc"
)

// debugCodec speaks the remote debugging protocol: numeric correlation ids,
// {id,method,params} requests, {id,result|error} responses, and id-less
// {method,params} events.
type debugCodec struct{}

type debugRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type debugInbound struct {
	ID     *json.Number    `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (debugCodec) RequestID(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

func (debugCodec) EncodeRequest(id, method string, params any) ([]byte, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return nil, err
	}
	return json.Marshal(debugRequest{ID: n, Method: method, Params: params})
}

func (debugCodec) Decode(data []byte) (*rpc.Inbound, error) {
	var f debugInbound
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, nil
	}
	if f.ID != nil {
		in := &rpc.Inbound{
			Kind:   rpc.KindResponse,
			ID:     f.ID.String(),
			Result: f.Result,
		}
		if f.Error != nil {
			in.IsErr = true
			in.ErrMsg = f.Error.Message
		}
		return in, nil
	}
	if f.Method != "" {
		return &rpc.Inbound{
			Kind:    rpc.KindEvent,
			Event:   f.Method,
			Payload: f.Params,
		}, nil
	}
	return nil, nil
}
