package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/goliatone/go-relay/core"
	"github.com/goliatone/go-relay/webhooks"
)

func (r *Router) ingest(kind core.EventKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := r.readBody(c)
		if !ok {
			return
		}
		result, err := r.service.Ingest(c.Request.Context(), core.IngestRequest{
			Kind:    kind,
			Body:    body,
			Headers: flattenHeaders(c.Request.Header),
		})
		if err != nil {
			r.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"eventId":   result.Event.ID,
			"event":     result.Event.Object,
			"action":    result.Event.Action,
			"result":    result.Delivery,
			"timestamp": result.Event.ReceivedAt,
		})
	}
}

// OutboundMessage answers SOAP senders with an ACK, even when the delivery
// was queued. Only a rejected or unstored message is NACKed.
func (r *Router) OutboundMessage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, r.maxBodyBytes)
	body, err := c.GetRawData()
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		c.Data(http.StatusBadRequest, "text/xml; charset=utf-8", webhooks.SOAPAck(false))
		return
	}
	_, err = r.service.Ingest(c.Request.Context(), core.IngestRequest{
		Kind:    core.EventKindOutboundMessage,
		Body:    body,
		Headers: flattenHeaders(c.Request.Header),
	})
	if err != nil {
		mapped := core.MapError(err)
		_ = c.Error(err)
		c.Data(mapped.Code, "text/xml; charset=utf-8", webhooks.SOAPAck(false))
		return
	}
	c.Data(http.StatusOK, "text/xml; charset=utf-8", webhooks.SOAPAck(true))
}

func (r *Router) ListEvents(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			r.writeError(c, core.BadInputError("limit", "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	events, err := r.service.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(events), "events": events})
}

func (r *Router) GetEvent(c *gin.Context) {
	event, err := r.service.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "event": event})
}

func (r *Router) Stats(c *gin.Context) {
	stats, err := r.service.Stats(c.Request.Context())
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (r *Router) Overview(c *gin.Context) {
	period := strings.TrimSpace(c.Query("period"))
	if period != "" {
		if err := core.ValidatePeriod(period); err != nil {
			r.writeError(c, core.BadInputError("period", "period must be YYYY-MM"))
			return
		}
	}
	mode := strings.ToLower(strings.TrimSpace(c.Query("mode")))
	if mode != "" && mode != core.OverviewModeAggregate && mode != core.OverviewModeScan {
		r.writeError(c, core.BadInputError("mode", fmt.Sprintf("unsupported overview mode %q", mode)))
		return
	}
	overview, err := r.service.Overview(c.Request.Context(), period, mode)
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

func (r *Router) Trigger(c *gin.Context) {
	var req core.TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		r.writeError(c, core.BadInputError("body", "trigger body must be {target, action, payload}"))
		return
	}
	result, err := r.service.Trigger(c.Request.Context(), req)
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": result.Delivered(), "result": result})
}

func (r *Router) BillingWebhook(c *gin.Context) {
	body, ok := r.readBody(c)
	if !ok {
		return
	}
	result, err := r.service.HandleBillingWebhook(c.Request.Context(), core.BillingWebhookRequest{
		Body:      body,
		Signature: c.GetHeader(r.signatureHeader),
	})
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": result.Duplicate})
}

func (r *Router) TrackUsage(c *gin.Context) {
	var req core.UsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		r.writeError(c, core.BadInputError("body", "usage body must be {agentId, endpoint, cost}"))
		return
	}
	snapshot, err := r.service.TrackUsage(c.Request.Context(), req)
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (r *Router) Usage(c *gin.Context) {
	period := strings.TrimSpace(c.Query("period"))
	if period == "" {
		period = core.PeriodOf(r.now())
	}
	snapshot, err := r.service.Usage(c.Request.Context(), c.Param("agentId"), period)
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (r *Router) readBody(c *gin.Context) ([]byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, r.maxBodyBytes)
	body, err := c.GetRawData()
	if err != nil {
		r.writeError(c, core.BadInputError("body", "request body could not be read"))
		return nil, false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		r.writeError(c, core.BadInputError("body", "request body is required"))
		return nil, false
	}
	return body, true
}

// writeError renders err as {success:false, error:{...}} with the mapped
// status code.
func (r *Router) writeError(c *gin.Context, err error) {
	mapped := core.MapError(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(mapped.Code, gin.H{
		"success": false,
		"error": gin.H{
			"code":     mapped.Code,
			"textCode": mapped.TextCode,
			"category": fmt.Sprint(mapped.Category),
			"message":  mapped.Message,
		},
	})
}

func flattenHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}
