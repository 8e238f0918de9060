package counter

import (
	"context"
	"strconv"

	"github.com/dreamtracer/mealnow-billing/internal/pkg/cache"
)

const (
	webhookDeliveriesKey = "webhook:counters:deliveries"
	quotaDecisionsKey    = "quota:counters:decisions"
)

// AddWebhookDelivery increments the delivery counter for a provider and
// event type in Redis. Best-effort; callers ignore the error.
func AddWebhookDelivery(provider, eventType string) error {
	ctx := context.Background()
	field := provider + ":" + eventType
	return cache.GetClient().HIncrBy(ctx, webhookDeliveriesKey, field, 1).Err()
}

// AddQuotaDecision increments the allowed/denied counter for an action.
func AddQuotaDecision(action string, allowed bool) error {
	ctx := context.Background()
	field := action + ":denied"
	if allowed {
		field = action + ":allowed"
	}
	return cache.GetClient().HIncrBy(ctx, quotaDecisionsKey, field, 1).Err()
}

// WebhookTotals returns the accumulated delivery counters per
// provider:event_type field.
func WebhookTotals() (map[string]int64, error) {
	return readHash(webhookDeliveriesKey)
}

// QuotaTotals returns the accumulated quota decision counters per
// action:outcome field.
func QuotaTotals() (map[string]int64, error) {
	return readHash(quotaDecisionsKey)
}

func readHash(key string) (map[string]int64, error) {
	ctx := context.Background()
	raw, err := cache.GetClient().HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for field, value := range raw {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		out[field] = n
	}
	return out, nil
}
