package telephony

import (
	"net/url"
	"time"

	"dialout-engine/internal/calls"
	"dialout-engine/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Ingestor hands a normalized event to the correlation pipeline without
// blocking the webhook response. Enqueue reports false when the pipeline is
// saturated; the event is dropped (the provider will retry).
type Ingestor interface {
	Enqueue(ev calls.Event) bool
}

// WebhookHandlers terminate the provider's async callback stream.
//
// Contract: the provider must always receive a fast 200 regardless of
// internal processing outcome. A non-200 here puts the provider into its own
// retry storm, so normalization failures are logged and acknowledged, never
// surfaced.
type WebhookHandlers struct {
	Ingest Ingestor
}

// HandleStatus receives call lifecycle callbacks (POST form).
func (h WebhookHandlers) HandleStatus(c *gin.Context) {
	values := mergedValues(c)

	ev, err := NormalizeStatusEvent(values, time.Now().UTC())
	if err != nil {
		logger.FromGin(c).Warn("status event dropped", "err", err)
		c.JSON(200, gin.H{"received": true})
		return
	}

	if !h.Ingest.Enqueue(ev) {
		logger.FromGin(c).Warn("ingest queue full, status event dropped",
			"external_call_id", ev.ExternalCallID)
	}
	c.JSON(200, gin.H{"received": true})
}

// HandleDigits receives DTMF gather callbacks. The provider's passthru
// applet delivers these as GET query params; POST form is accepted too.
func (h WebhookHandlers) HandleDigits(c *gin.Context) {
	values := mergedValues(c)

	ev, err := NormalizeDigitsEvent(values, time.Now().UTC())
	if err != nil {
		logger.FromGin(c).Warn("digits event dropped", "err", err)
		c.JSON(200, gin.H{"received": true})
		return
	}

	if !h.Ingest.Enqueue(ev) {
		logger.FromGin(c).Warn("ingest queue full, digits event dropped",
			"external_call_id", ev.ExternalCallID)
	}
	c.JSON(200, gin.H{"received": true})
}

// mergedValues combines form and query params; the provider splits fields
// across both depending on the applet.
func mergedValues(c *gin.Context) url.Values {
	values := url.Values{}
	if err := c.Request.ParseForm(); err == nil {
		for k, vs := range c.Request.Form {
			values[k] = vs
		}
	}
	for k, vs := range c.Request.URL.Query() {
		if values.Get(k) == "" {
			values[k] = vs
		}
	}
	return values
}
