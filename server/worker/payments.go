package worker

import (
	"context"
	"encoding/json"
	"fmt"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/reclaimhq/reclaim/server/reclaim"
)

const PaymentWebhookReplayName = "payment_webhook_replay"

// PaymentNotifier re-delivers a payment event to a downstream endpoint.
type PaymentNotifier interface {
	Deliver(ctx context.Context, endpoint string, payload []byte, signature string) error
}

// PaymentWebhookReplay re-delivers a payment webhook that could not be
// processed when it first arrived.
type PaymentWebhookReplay struct {
	Notifier PaymentNotifier
	Log      kitlog.Logger
}

func (p *PaymentWebhookReplay) Name() string {
	return PaymentWebhookReplayName
}

type PaymentWebhookReplayArgs struct {
	Endpoint  string          `json:"endpoint"`
	Event     json.RawMessage `json:"event"`
	Signature string          `json:"signature"`
}

func (p *PaymentWebhookReplay) Process(ctx context.Context, def *reclaim.JobDefinition) (json.RawMessage, error) {
	var args PaymentWebhookReplayArgs
	if err := json.Unmarshal(def.Payload, &args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if args.Endpoint == "" {
		return nil, fmt.Errorf("missing endpoint")
	}

	if err := p.Notifier.Deliver(ctx, args.Endpoint, args.Event, args.Signature); err != nil {
		return nil, fmt.Errorf("deliver webhook: %w", err)
	}

	level.Debug(p.Log).Log("msg", "replayed payment webhook", "endpoint", args.Endpoint)

	result, err := json.Marshal(map[string]string{"delivered_to": args.Endpoint})
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return result, nil
}
