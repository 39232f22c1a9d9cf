// ABOUTME: Conversions between runtime types and google.protobuf.Struct
// ABOUTME: Field names on the wire are snake_case

package runtime

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/sessiongate/internal/state"
)

func requestToStruct(req *Request) (*structpb.Struct, error) {
	fields := map[string]any{
		"agent_id":   req.AgentID,
		"user_id":    req.UserID,
		"session_id": req.SessionID,
		"message":    req.Message,
	}
	if len(req.Metadata) > 0 {
		fields["metadata"] = req.Metadata
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return msg, nil
}

func requestFromStruct(msg *structpb.Struct) *Request {
	f := msg.GetFields()
	req := &Request{
		AgentID:   f["agent_id"].GetStringValue(),
		UserID:    f["user_id"].GetStringValue(),
		SessionID: f["session_id"].GetStringValue(),
		Message:   f["message"].GetStringValue(),
	}
	if md := f["metadata"].GetStructValue(); md != nil {
		req.Metadata = md.AsMap()
	}
	return req
}

func chunkToStruct(c *Chunk) (*structpb.Struct, error) {
	fields := map[string]any{"text": c.Text}
	if c.StateDelta != nil {
		delta, ok := state.ToAny(state.Object(c.StateDelta)).(map[string]any)
		if !ok {
			return nil, fmt.Errorf("encoding chunk: state delta is not an object")
		}
		fields["state_delta"] = delta
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding chunk: %w", err)
	}
	return msg, nil
}

func chunkFromStruct(msg *structpb.Struct) (*Chunk, error) {
	f := msg.GetFields()
	c := &Chunk{Text: f["text"].GetStringValue()}
	if sd := f["state_delta"].GetStructValue(); sd != nil {
		v, err := state.FromAny(sd.AsMap())
		if err != nil {
			return nil, fmt.Errorf("decoding state delta: %w", err)
		}
		c.StateDelta = state.State(v.(state.Object))
	}
	return c, nil
}
