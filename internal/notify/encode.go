package notify

import (
	"fmt"

	"earnings-sync-sol/internal/logic/core"
	"earnings-sync-sol/internal/utils"

	"github.com/sugawarayuuta/sonnet"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encode 把通知编码为 [4 字节状态码 | protobuf Struct]
func Encode(n *Notification) ([]byte, error) {
	fields := map[string]any{
		"signature": n.Signature,
		"status":    string(n.Status),
		"source":    n.Source,
		"slot":      float64(n.Slot),
		"at":        n.At.UnixMilli(),
	}
	if !n.Wallet.IsZero() {
		fields["wallet"] = n.Wallet.String()
	}
	if n.Error != "" {
		fields["error"] = n.Error
	}
	if len(n.Events) > 0 {
		events := make([]any, 0, len(n.Events))
		for _, ev := range n.Events {
			m, err := eventFields(ev)
			if err != nil {
				return nil, err
			}
			events = append(events, m)
		}
		fields["events"] = events
	}

	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("notify: build struct: %w", err)
	}
	return utils.EncodeEvent(n.Status.Code(), msg)
}

func eventFields(ev *core.Event) (map[string]any, error) {
	out := map[string]any{
		"id":     float64(ev.ID),
		"type":   string(ev.Type),
		"wallet": ev.Wallet.String(),
		"slot":   float64(ev.Slot),
	}
	if ev.Payload != nil {
		raw, err := sonnet.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("notify: marshal %s payload: %w", ev.Type, err)
		}
		var payload map[string]any
		if err := sonnet.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("notify: unmarshal %s payload: %w", ev.Type, err)
		}
		out["payload"] = payload
	}
	return out, nil
}
