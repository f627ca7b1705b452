package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/freshchain/freshchain/internal/ledger"
)

// QueryHandler exposes the read-only history, report, status, and public
// key endpoints.
type QueryHandler struct {
	svc    *ledger.Service
	logger *zap.Logger
}

// NewQueryHandler creates a QueryHandler.
func NewQueryHandler(svc *ledger.Service, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{svc: svc, logger: logger}
}

// Register mounts the query routes on the given router group.
func (h *QueryHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/shipments/:id/history", h.ShipmentHistory)
	rg.GET("/crates/:id/history", h.CrateHistory)
	rg.GET("/reports", h.Report)
	rg.GET("/status", h.Status)
	rg.GET("/archive", h.ArchiveStatus)
	rg.GET("/publickey", h.PublicKey)
}

// ShipmentHistory handles GET /shipments/:id/history.
func (h *QueryHandler) ShipmentHistory(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.GetShipmentHistory(c.Param("id")))
}

// CrateHistory handles GET /crates/:id/history.
func (h *QueryHandler) CrateHistory(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.GetCrateHistory(c.Param("id")))
}

// Report handles GET /reports with optional conjunctive query filters.
func (h *QueryHandler) Report(c *gin.Context) {
	report := h.svc.GenerateReport(ledger.ReportFilter{
		ShipmentID: c.Query("shipment_id"),
		CrateID:    c.Query("crate_id"),
		StartDate:  c.Query("start_date"),
		EndDate:    c.Query("end_date"),
	})
	c.JSON(http.StatusOK, report)
}

// Status handles GET /status.
func (h *QueryHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.GetStatus(c.Request.Context()))
}

// ArchiveStatus handles GET /archive. It reports the audit archive's length
// and chain tip, verifying the full hash chain on each call.
func (h *QueryHandler) ArchiveStatus(c *gin.Context) {
	status, err := h.svc.GetArchiveStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("archive status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read archive"})
		return
	}
	if status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "archive not configured"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// PublicKey handles GET /publickey, serving the active public key as a PEM
// document for external verifiers.
func (h *QueryHandler) PublicKey(c *gin.Context) {
	pem, err := h.svc.Engine().ExportPublicKeyPEM()
	if err != nil {
		h.logger.Error("export public key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export public key"})
		return
	}
	c.Data(http.StatusOK, "application/x-pem-file", []byte(pem))
}
