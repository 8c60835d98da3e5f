// Package intercept runs messages through an ordered chain of interceptors
// before the bridge forwards them.
package intercept

import (
	"context"
	"fmt"
	"path"

	"github.com/ggoodman/mcp-streaming-bridge/codec"
)

// Action is an interceptor's verdict.
type Action int

const (
	Continue Action = iota
	// Modify replaces the message seen by later interceptors and forwarded.
	Modify
	// Block stops the chain; the message is not forwarded.
	Block
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Modify:
		return "modify"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// Result is what an interceptor returns.
type Result struct {
	Action Action
	// Message is the replacement when Action is Modify.
	Message codec.Message
	// Reason explains a Block.
	Reason string
}

// Interceptor inspects one message.
type Interceptor interface {
	Process(ctx context.Context, dir codec.Direction, msg codec.Message) (Result, error)
}

// Func adapts a function to Interceptor.
type Func func(ctx context.Context, dir codec.Direction, msg codec.Message) (Result, error)

func (f Func) Process(ctx context.Context, dir codec.Direction, msg codec.Message) (Result, error) {
	return f(ctx, dir, msg)
}

// Chain is an ordered list of interceptors. The zero value passes every
// message through.
type Chain []Interceptor

// Apply folds msg through the chain left to right. It returns the message
// to forward and Continue or Modify, or the blocking Result. Modified
// messages still have to satisfy the classification invariant.
func (c Chain) Apply(ctx context.Context, dir codec.Direction, msg codec.Message) (Result, error) {
	out := Result{Action: Continue, Message: msg}
	for i, ic := range c {
		res, err := ic.Process(ctx, dir, out.Message)
		if err != nil {
			return Result{}, fmt.Errorf("interceptor %d: %w", i, err)
		}
		switch res.Action {
		case Continue:
		case Modify:
			if err := res.Message.Validate(); err != nil {
				return Result{}, fmt.Errorf("interceptor %d: %w", i, err)
			}
			out = Result{Action: Modify, Message: res.Message}
		case Block:
			res.Message = out.Message
			return res, nil
		default:
			return Result{}, fmt.Errorf("interceptor %d: unknown action %d", i, res.Action)
		}
	}
	return out, nil
}

// MethodFilter blocks requests and notifications whose method matches one
// of the path.Match patterns, for example "tools/*".
type MethodFilter struct {
	Direction codec.Direction
	Patterns  []string
}

func (f MethodFilter) Process(_ context.Context, dir codec.Direction, msg codec.Message) (Result, error) {
	if msg.Method == "" || (f.Direction != 0 && f.Direction != dir) {
		return Result{Action: Continue}, nil
	}
	for _, p := range f.Patterns {
		ok, err := path.Match(p, msg.Method)
		if err != nil {
			return Result{}, fmt.Errorf("method filter pattern %q: %w", p, err)
		}
		if ok {
			return Result{Action: Block, Reason: fmt.Sprintf("method %q is not allowed", msg.Method)}, nil
		}
	}
	return Result{Action: Continue}, nil
}
