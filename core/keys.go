package core

import (
	"fmt"
	"strings"
)

// Logical key layout shared by every KVStore implementation.
const (
	KeyPrefixEvent      = "event:"
	KeyPrefixQueue      = "queue:"
	KeyPrefixUsage      = "usage:"
	KeyPrefixCost       = "cost:"
	KeyPrefixEndpoint   = "endpoint:"
	KeyPrefixUsageTotal = "usageTotal:"
	KeyPrefixCostTotal  = "costTotal:"
	KeyPrefixAgents     = "agents:"
	KeyPrefixWebhookLog = "webhookLog:"
	KeyPrefixStats      = "stats:"
	KeyPrefixThrottle   = "throttle:"
)

const (
	StatEventsTotal       = "events:total"
	StatEventsKindPrefix  = "events:kind:"
	StatDeliveryDelivered = "delivery:delivered"
	StatDeliveryQueued    = "delivery:queued"
	StatRetryRedelivered  = "retry:redelivered"
	StatRetryExpired      = "retry:expired"
)

func EventKey(id string) string {
	return KeyPrefixEvent + strings.TrimSpace(id)
}

// QueueKey zero-pads the timestamp so lexical key order matches enqueue order.
func QueueKey(target string, monotonicNanos int64) string {
	return fmt.Sprintf("%s%s:%020d", KeyPrefixQueue, strings.TrimSpace(target), monotonicNanos)
}

func UsageKey(agentID string, period string) string {
	return KeyPrefixUsage + agentID + ":" + period
}

func CostKey(agentID string, period string) string {
	return KeyPrefixCost + agentID + ":" + period
}

func EndpointKey(agentID string, period string, endpoint string) string {
	return EndpointPrefix(agentID, period) + endpoint
}

func EndpointPrefix(agentID string, period string) string {
	return KeyPrefixEndpoint + agentID + ":" + period + ":"
}

func UsageTotalKey(period string) string {
	return KeyPrefixUsageTotal + period
}

func CostTotalKey(period string) string {
	return KeyPrefixCostTotal + period
}

func AgentsKey(period string) string {
	return KeyPrefixAgents + period
}

func WebhookLogKey(eventID string) string {
	return KeyPrefixWebhookLog + strings.TrimSpace(eventID)
}

func StatKey(name string) string {
	return KeyPrefixStats + name
}

func ThrottleStateKey(target string, bucket string) string {
	return KeyPrefixThrottle + target + ":" + bucket
}

// ParseCounterKey splits usage:<agentId>:<period> (or cost:...) into its parts.
// Agent ids may contain ':'; the period is always the last segment.
func ParseCounterKey(prefix string, key string) (agentID string, period string, ok bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, prefix)
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}
