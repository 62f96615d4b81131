// Package webhooks authenticates and normalizes inbound callbacks.
//
// Signatures follow the "t=<unix>,v1=<hex>" scheme over "{t}.{body}". Bodies
// are decoded per route into a closed payload union and folded into the
// canonical core.Event.
package webhooks
