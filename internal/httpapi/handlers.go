// Package httpapi holds the caller-facing HTTP surface. Keep handlers thin:
// parse/validate input, call internal services, return JSON.
package httpapi

import (
	"errors"
	"net/http"

	"dialout-engine/internal/calls"
	"dialout-engine/internal/dialer"
	"dialout-engine/internal/store"
	"dialout-engine/internal/telephony"
	"dialout-engine/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
type Handlers struct {
	Dialer *dialer.Service
}

type initiateRequest struct {
	CallType    string `json:"call_type"`
	Target      string `json:"target"`
	BusinessRef struct {
		Kind string `json:"kind"`
		ID   string `json:"id"`
	} `json:"business_ref"`
	ScriptPayload map[string]any `json:"script_payload"`
	Language      string         `json:"language"`
}

// InitiateCall places one outbound decision call.
// RBAC: caller.
func (h Handlers) InitiateCall(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	rec, err := h.Dialer.Initiate(c.Request.Context(), dialer.InitiateRequest{
		CallType:      calls.CallType(req.CallType),
		Target:        req.Target,
		BusinessRef:   calls.BusinessRef{Kind: req.BusinessRef.Kind, ID: req.BusinessRef.ID},
		ScriptPayload: req.ScriptPayload,
		Language:      req.Language,
	})
	if err != nil {
		var verr *dialer.ValidationError
		var aerr *telephony.AdapterError
		switch {
		case errors.As(err, &verr):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
		case errors.Is(err, dialer.ErrLiveExists):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error":          "a live call already exists for this business ref",
				"call_record_id": rec.ID,
			})
		case errors.Is(err, dialer.ErrCapacity):
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "dial capacity exhausted, retry later"})
		case errors.As(err, &aerr):
			// The record exists in FAILED; return it so the caller can
			// decide whether to escalate.
			logger.FromGin(c).Warn("synchronous dial failure", "error", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"error":          "telephony provider rejected the call",
				"call_record_id": rec.ID,
			})
		default:
			logger.FromGin(c).Error("call initiation failed", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call initiation failed"})
		}
		return
	}

	c.JSON(http.StatusCreated, rec)
}

// GetCall returns one call record by id.
// RBAC: caller or observer.
func (h Handlers) GetCall(c *gin.Context) {
	id := c.Param("call_id")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}

	rec, err := h.Dialer.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		logger.FromGin(c).Error("call lookup failed", "call_record_id", id, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call lookup failed"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// CancelCall moves a non-terminal call to CANCELLED. Provider events that
// arrive afterwards are ignored.
// RBAC: caller.
func (h Handlers) CancelCall(c *gin.Context) {
	id := c.Param("call_id")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}

	rec, err := h.Dialer.Cancel(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		case errors.Is(err, dialer.ErrTerminal):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error":  "call already terminal",
				"status": rec.Status,
			})
		default:
			logger.FromGin(c).Error("call cancel failed", "call_record_id", id, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call cancel failed"})
		}
		return
	}
	c.JSON(http.StatusOK, rec)
}
