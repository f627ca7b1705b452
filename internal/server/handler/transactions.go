// Package handler implements the FreshChain HTTP API on gin: record
// endpoints for the domain collaborators, verification and history queries,
// node status, metrics, and middleware for auth and rate limiting.
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/freshchain/freshchain/internal/ledger"
	"github.com/freshchain/freshchain/internal/txstore"
)

// TransactionHandler exposes the record and verification endpoints.
type TransactionHandler struct {
	svc    *ledger.Service
	logger *zap.Logger
}

// NewTransactionHandler creates a TransactionHandler.
func NewTransactionHandler(svc *ledger.Service, logger *zap.Logger) *TransactionHandler {
	return &TransactionHandler{svc: svc, logger: logger}
}

// Register mounts the transaction routes. auth guards the mutating
// endpoints; pass gin middleware that is a no-op to disable.
func (h *TransactionHandler) Register(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	t := rg.Group("/transactions")
	{
		t.POST("", auth, h.SubmitPrepared)
		t.POST("/sensor", auth, h.RecordSensor)
		t.POST("/ripeness", auth, h.RecordRipeness)
		t.POST("/shipments", auth, h.CreateShipment)
		t.POST("/shipments/:id/status", auth, h.UpdateShipmentStatus)
		t.POST("/quality", auth, h.RecordQuality)
		t.GET("/:hash/verify", h.Verify)
		t.GET("/:hash/status", h.TransactionStatus)
	}
}

// RecordSensor handles POST /transactions/sensor.
func (h *TransactionHandler) RecordSensor(c *gin.Context) {
	var req struct {
		SensorID string         `json:"sensor_id" binding:"required"`
		Data     map[string]any `json:"data" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.RecordSensorData(c.Request.Context(), req.SensorID, req.Data)
	if err != nil {
		h.logger.Warn("record sensor data", zap.String("sensor_id", req.SensorID), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// RecordRipeness handles POST /transactions/ripeness.
func (h *TransactionHandler) RecordRipeness(c *gin.Context) {
	var req struct {
		CrateID string         `json:"crate_id" binding:"required"`
		Result  map[string]any `json:"result" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.RecordRipenessAnalysis(c.Request.Context(), req.CrateID, req.Result)
	if err != nil {
		h.logger.Warn("record ripeness analysis", zap.String("crate_id", req.CrateID), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// CreateShipment handles POST /transactions/shipments. The request body is
// the shipment fields; a shipment_id is generated when absent.
func (h *TransactionHandler) CreateShipment(c *gin.Context) {
	var data map[string]any
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.CreateShipmentRecord(c.Request.Context(), data)
	if err != nil {
		h.logger.Warn("create shipment record", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// UpdateShipmentStatus handles POST /transactions/shipments/:id/status.
func (h *TransactionHandler) UpdateShipmentStatus(c *gin.Context) {
	var req struct {
		Status   string         `json:"status" binding:"required"`
		Location map[string]any `json:"location"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.UpdateShipmentStatus(c.Request.Context(), c.Param("id"), req.Status, req.Location)
	if err != nil {
		h.logger.Warn("update shipment status", zap.String("shipment_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// RecordQuality handles POST /transactions/quality.
func (h *TransactionHandler) RecordQuality(c *gin.Context) {
	var req struct {
		ShipmentID string         `json:"shipment_id" binding:"required"`
		Data       map[string]any `json:"data" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.RecordQualityCheck(c.Request.Context(), req.ShipmentID, req.Data)
	if err != nil {
		h.logger.Warn("record quality check", zap.String("shipment_id", req.ShipmentID), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// SubmitPrepared handles POST /transactions: a fully-built transaction
// forwarded by a downstream node running in remote mode.
func (h *TransactionHandler) SubmitPrepared(c *gin.Context) {
	var tx txstore.Transaction
	if err := c.ShouldBindJSON(&tx); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.IngestPrepared(&tx); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction_hash": tx.Hash})
}

// Verify handles GET /transactions/:hash/verify.
func (h *TransactionHandler) Verify(c *gin.Context) {
	res := h.svc.VerifyTransaction(c.Param("hash"))
	c.JSON(http.StatusOK, res)
}

// TransactionStatus handles GET /transactions/:hash/status, the poll
// endpoint for the eventual outcome of an asynchronously queued record.
func (h *TransactionHandler) TransactionStatus(c *gin.Context) {
	outcome := h.svc.GetTransactionStatus(c.Request.Context(), c.Param("hash"))
	c.JSON(http.StatusOK, gin.H{
		"transaction_hash": c.Param("hash"),
		"outcome":          outcome,
	})
}
