package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/meshwork-ai/swarmd/internal/bus"
)

// RegisterBuiltinTools wires the tools the default think phase plans with.
// Hosts may override any of them by re-registering the same name.
func (r *Runtime) RegisterBuiltinTools() {
	r.RegisterTool("respond", r.respondTool)
	r.RegisterTool("investigate", r.investigateTool)
	r.RegisterTool("shed-load", r.shedLoadTool)
}

// respondTool answers one inbox message. Requests get an acknowledgement
// routed back through correlation; everything else is noted in short-term
// memory for the next cycle.
func (r *Runtime) respondTool(ctx context.Context, args map[string]any) (any, error) {
	msg, ok := args["message"].(bus.Message)
	if !ok {
		return nil, fmt.Errorf("respond: args missing message")
	}
	if msg.RequiresResponse && r.bus != nil {
		payload := map[string]any{"status": "acknowledged", "by": r.agentID}
		if err := r.bus.Respond(ctx, msg, r.agentID, payload); err != nil {
			return nil, fmt.Errorf("respond to %s: %w", msg.ID, err)
		}
		return payload, nil
	}
	r.mem.Short.Put("seen:"+msg.ID, msg)
	return "noted", nil
}

// investigateTool records an alert in long-term memory so repeated alerts
// from one source accrue importance.
func (r *Runtime) investigateTool(ctx context.Context, args map[string]any) (any, error) {
	msg, ok := args["message"].(bus.Message)
	if !ok {
		return nil, fmt.Errorf("investigate: args missing message")
	}
	key := "alert:" + msg.From
	if _, seen := r.mem.Long.Get(key); seen {
		r.mem.Long.Reinforce(key, 0.1)
	} else {
		r.mem.Long.Put(key, msg.Payload, 0.5)
	}
	return key, nil
}

// shedLoadTool reacts to resource pressure: sweep expired short-term
// entries now instead of waiting for the next cycle boundary.
func (r *Runtime) shedLoadTool(ctx context.Context, args map[string]any) (any, error) {
	swept := r.mem.Short.Sweep(time.Now())
	resource, _ := args["resource"].(string)
	r.logger.Info("shed load", "resource", resource, "swept", swept)
	return map[string]any{"swept": swept}, nil
}
