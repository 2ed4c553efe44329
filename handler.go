package peerrpc

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Handler produces the response to a request. It is invoked on the worker
// pool of the agent, the returned message is sent back to the caller
// unmodified. A non-nil error is sent back as an EXCEPTION.
type Handler interface {
	Handle(ctx context.Context, from WorkerInfo, req *Message) (*Message, error)
}

type HandlerFunc func(ctx context.Context, from WorkerInfo, req *Message) (*Message, error)

func (fn HandlerFunc) Handle(ctx context.Context, from WorkerInfo, req *Message) (*Message, error) {
	return fn(ctx, from, req)
}

// ProtoHandler decodes the payload of requests as `Req` and encodes the
// result as the payload of the response. Auxiliary buffers are ignored.
type ProtoHandler[Req proto.Message, Resp proto.Message] struct {
	// New returns an empty request to unmarshal into.
	New func() Req

	Serve func(ctx context.Context, from WorkerInfo, req Req) (Resp, error)
}

func (h ProtoHandler[Req, Resp]) Handle(ctx context.Context, from WorkerInfo, msg *Message) (*Message, error) {
	req := h.New()
	if err := proto.Unmarshal(msg.Payload, req); err != nil {
		return nil, fmt.Errorf("could not decode request: %w", err)
	}

	resp, err := h.Serve(ctx, from, req)
	if err != nil {
		return nil, err
	}

	payload, err := proto.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("could not encode response: %w", err)
	}
	return NewResponse(payload), nil
}

// CallProto sends `req` as a request and decodes the response into
// `resp` once it arrives.
func CallProto(ctx context.Context, agent *Agent, to WorkerInfo, req proto.Message, resp proto.Message) error {
	payload, err := proto.Marshal(req)
	if err != nil {
		return fmt.Errorf("could not encode request: %w", err)
	}

	fut, err := agent.Send(to, NewRequest(payload))
	if err != nil {
		return err
	}

	msg, err := fut.Wait(ctx)
	if err != nil {
		return err
	}
	return proto.Unmarshal(msg.Payload, resp)
}
