// internal/handler/discovery_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"bricklet-service/internal/service"
	"bricklet-service/internal/utils"
)

// DiscoveryHandler handles device discovery requests
type DiscoveryHandler struct {
	discoveryService *service.DiscoveryService
	logger           *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(discoveryService *service.DiscoveryService, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		discoveryService: discoveryService,
		logger:           utils.NewServiceLogger(utils.OrNop(logger), "discovery-handler"),
	}
}

// RegisterRoutes registers discovery routes
func (h *DiscoveryHandler) RegisterRoutes(router *gin.RouterGroup) {
	discovery := router.Group("/discovery")
	{
		discovery.GET("/scan", h.ScanDevices)
		discovery.GET("/serial-ports", h.ListSerialPorts)
		discovery.GET("/scanners", h.GetScanners)
		discovery.GET("/known", h.GetKnownDevices)
	}
}

// ScanDevices scans for available devices
// @Summary Scan for devices
// @Description Enumerate the devices behind brickd and list local serial ports
// @Tags Discovery
// @Produce json
// @Param type query string false "Scan type" Enums(all, brickd, serial) default(all)
// @Success 200 {object} utils.APIResponse{data=object{devices_found=int,devices=[]discovery.DiscoveredDevice}} "Device scan completed"
// @Failure 400 {object} utils.APIResponse "Unsupported scan type"
// @Failure 500 {object} utils.APIResponse "Scan failed"
// @Router /discovery/scan [get]
func (h *DiscoveryHandler) ScanDevices(c *gin.Context) {
	req := &service.ScanRequest{ScanType: c.DefaultQuery("type", "all")}

	devices, err := h.discoveryService.ScanDevices(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, "Failed to scan devices", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device scan completed", gin.H{
		"devices_found": len(devices),
		"devices":       devices,
	})
}

// ListSerialPorts lists local serial ports
// @Summary List serial ports
// @Tags Discovery
// @Produce json
// @Success 200 {object} utils.APIResponse{data=[]discovery.DiscoveredDevice} "Serial ports listed"
// @Router /discovery/serial-ports [get]
func (h *DiscoveryHandler) ListSerialPorts(c *gin.Context) {
	ports, err := h.discoveryService.ListSerialPorts(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "Failed to list serial ports", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Serial ports listed", ports)
}

// GetScanners returns the scanners that can run now
// @Summary Available scanners
// @Tags Discovery
// @Produce json
// @Success 200 {object} utils.APIResponse{data=[]string} "Scanners listed"
// @Router /discovery/scanners [get]
func (h *DiscoveryHandler) GetScanners(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Scanners listed", h.discoveryService.AvailableScanners())
}

// GetKnownDevices returns devices remembered from earlier scans
// @Summary Known devices
// @Tags Discovery
// @Produce json
// @Success 200 {object} utils.APIResponse{data=[]model.KnownDevice} "Known devices listed"
// @Failure 501 {object} utils.APIResponse "Database disabled"
// @Router /discovery/known [get]
func (h *DiscoveryHandler) GetKnownDevices(c *gin.Context) {
	devices, err := h.discoveryService.KnownDevices(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "Failed to list known devices", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Known devices listed", devices)
}
