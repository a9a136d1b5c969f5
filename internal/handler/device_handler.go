// internal/handler/device_handler.go
package handler

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"bricklet-service/internal/model"
	"bricklet-service/internal/service"
	"bricklet-service/internal/utils"
)

// DeviceHandler handles requests for the configured bricklet
type DeviceHandler struct {
	deviceService *service.DeviceService
	journal       *service.Journal
	logger        *utils.ServiceLogger
}

// NewDeviceHandler creates a new device handler. journal may be nil.
func NewDeviceHandler(deviceService *service.DeviceService, journal *service.Journal, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		deviceService: deviceService,
		journal:       journal,
		logger:        utils.NewServiceLogger(utils.OrNop(logger), "device-handler"),
	}
}

// RegisterRoutes registers device routes
func (h *DeviceHandler) RegisterRoutes(router *gin.RouterGroup) {
	device := router.Group("/device")
	{
		device.GET("", h.GetDevice)
		device.GET("/stats", h.GetStats)
		device.POST("/write", h.Write)
		device.POST("/read", h.Read)
		device.PUT("/read-callback", h.SetReadCallback)
		device.GET("/configuration", h.GetConfiguration)
		device.PUT("/configuration", h.SetConfiguration)
		device.GET("/buffer-config", h.GetBufferConfig)
		device.PUT("/buffer-config", h.SetBufferConfig)
		device.GET("/buffer-status", h.GetBufferStatus)
		device.POST("/break", h.SetBreakCondition)
		device.GET("/status-led", h.GetStatusLED)
		device.PUT("/status-led", h.SetStatusLED)
		device.GET("/temperature", h.GetTemperature)
		device.GET("/spitfp-errors", h.GetSPITFPErrors)
		device.POST("/reset", h.Reset)
		device.GET("/events", h.ListEvents)
	}
}

// WriteRequest is a message for the RS232 line
type WriteRequest struct {
	Message  string `json:"message"`
	Encoding string `json:"encoding" binding:"omitempty,oneof=text base64 hex"`
}

func (r *WriteRequest) bytes() ([]byte, error) {
	switch r.Encoding {
	case "", "text":
		return []byte(r.Message), nil
	case "base64":
		return base64.StdEncoding.DecodeString(r.Message)
	case "hex":
		return hex.DecodeString(r.Message)
	}
	return nil, fmt.Errorf("unknown encoding %q", r.Encoding)
}

// ReadRequest polls the receive buffer
type ReadRequest struct {
	Length uint16 `json:"length" binding:"required,min=1"`
}

// ReadResponse carries polled data
type ReadResponse struct {
	Length int    `json:"length"`
	Text   string `json:"text"`
	Data   []byte `json:"data"`
}

// ReadCallbackRequest switches callback mode
type ReadCallbackRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// BreakRequest holds TX low
type BreakRequest struct {
	DurationMs int `json:"duration_ms" binding:"required,min=1,max=65535"`
}

// StatusLEDRequest sets the status LED mode
type StatusLEDRequest struct {
	Config model.StatusLEDConfig `json:"config"`
}

// GetDevice returns the device summary
// @Summary Get device
// @Description Get identity, connection state and transport statistics of the bricklet
// @Tags Device
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.DeviceInfo} "Device retrieved successfully"
// @Router /device [get]
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Device retrieved successfully", h.deviceService.Info(c.Request.Context()))
}

// GetStats returns the read monitor counters
// @Summary Get read statistics
// @Tags Device
// @Produce json
// @Success 200 {object} utils.APIResponse{data=service.MonitorStats} "Statistics retrieved"
// @Router /device/stats [get]
func (h *DeviceHandler) GetStats(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Statistics retrieved", h.deviceService.MonitorStats())
}

// Write sends a message to the RS232 line
// @Summary Write message
// @Description Write a message of up to 65535 bytes. Written may be less than requested when the send buffer is full.
// @Tags Device
// @Accept json
// @Produce json
// @Param request body WriteRequest true "Message"
// @Success 200 {object} utils.APIResponse{data=service.WriteResult} "Message written"
// @Failure 400 {object} utils.APIResponse "Invalid request"
// @Failure 503 {object} utils.APIResponse "Not connected"
// @Router /device/write [post]
func (h *DeviceHandler) Write(c *gin.Context) {
	var req WriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	message, err := req.bytes()
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid message encoding", err)
		return
	}

	result, err := h.deviceService.Write(c.Request.Context(), message)
	if err != nil {
		respondError(c, h.logger, "Failed to write message", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Message written", result)
}

// Read polls the receive buffer
// @Summary Read data
// @Description Poll up to length bytes. Returns nothing while the read callback is enabled.
// @Tags Device
// @Accept json
// @Produce json
// @Param request body ReadRequest true "Read request"
// @Success 200 {object} utils.APIResponse{data=ReadResponse} "Data read"
// @Router /device/read [post]
func (h *DeviceHandler) Read(c *gin.Context) {
	var req ReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	data, err := h.deviceService.Read(c.Request.Context(), req.Length)
	if err != nil {
		respondError(c, h.logger, "Failed to read data", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Data read", &ReadResponse{
		Length: len(data),
		Text:   string(data),
		Data:   data,
	})
}

// SetReadCallback switches between callback and polling mode
// @Summary Set read callback
// @Tags Device
// @Accept json
// @Produce json
// @Param request body ReadCallbackRequest true "Callback mode"
// @Success 200 {object} utils.APIResponse "Read callback updated"
// @Router /device/read-callback [put]
func (h *DeviceHandler) SetReadCallback(c *gin.Context) {
	var req ReadCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	if err := h.deviceService.SetReadCallback(c.Request.Context(), *req.Enabled); err != nil {
		respondError(c, h.logger, "Failed to set read callback", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Read callback updated", gin.H{"enabled": *req.Enabled})
}

// GetConfiguration returns the line configuration
// @Summary Get line configuration
// @Tags Device
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.Configuration} "Configuration retrieved"
// @Router /device/configuration [get]
func (h *DeviceHandler) GetConfiguration(c *gin.Context) {
	cfg, err := h.deviceService.GetConfiguration(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "Failed to get configuration", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Configuration retrieved", cfg)
}

// SetConfiguration sets the line configuration
// @Summary Set line configuration
// @Tags Device
// @Accept json
// @Produce json
// @Param request body model.Configuration true "Line configuration"
// @Success 200 {object} utils.APIResponse{data=model.Configuration} "Configuration updated"
// @Failure 400 {object} utils.APIResponse "Invalid configuration"
// @Router /device/configuration [put]
func (h *DeviceHandler) SetConfiguration(c *gin.Context) {
	cfg := model.DefaultConfiguration()
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondBindError(c, err)
		return
	}
	if err := h.deviceService.SetConfiguration(c.Request.Context(), cfg); err != nil {
		respondError(c, h.logger, "Failed to set configuration", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Configuration updated", cfg)
}

// GetBufferConfig returns the buffer split
// @Summary Get buffer configuration
// @Tags Device
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.BufferConfig} "Buffer configuration retrieved"
// @Router /device/buffer-config [get]
func (h *DeviceHandler) GetBufferConfig(c *gin.Context) {
	cfg, err := h.deviceService.GetBufferConfig(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "Failed to get buffer configuration", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Buffer configuration retrieved", cfg)
}

// SetBufferConfig sets the buffer split
// @Summary Set buffer configuration
// @Tags Device
// @Accept json
// @Produce json
// @Param request body model.BufferConfig true "Buffer sizes"
// @Success 200 {object} utils.APIResponse{data=model.BufferConfig} "Buffer configuration updated"
// @Failure 400 {object} utils.APIResponse "Invalid buffer sizes"
// @Router /device/buffer-config [put]
func (h *DeviceHandler) SetBufferConfig(c *gin.Context) {
	var cfg model.BufferConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondBindError(c, err)
		return
	}
	if err := h.deviceService.SetBufferConfig(c.Request.Context(), cfg); err != nil {
		respondError(c, h.logger, "Failed to set buffer configuration", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Buffer configuration updated", cfg)
}

// GetBufferStatus returns buffer usage
// @Summary Get buffer status
// @Tags Device
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.BufferStatus} "Buffer status retrieved"
// @Router /device/buffer-status [get]
func (h *DeviceHandler) GetBufferStatus(c *gin.Context) {
	status, err := h.deviceService.GetBufferStatus(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "Failed to get buffer status", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Buffer status retrieved", status)
}

// SetBreakCondition holds TX low for a while
// @Summary Send break
// @Tags Device
// @Accept json
// @Produce json
// @Param request body BreakRequest true "Break duration"
// @Success 200 {object} utils.APIResponse "Break sent"
// @Router /device/break [post]
func (h *DeviceHandler) SetBreakCondition(c *gin.Context) {
	var req BreakRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	d := time.Duration(req.DurationMs) * time.Millisecond
	if err := h.deviceService.SetBreakCondition(c.Request.Context(), d); err != nil {
		respondError(c, h.logger, "Failed to send break", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Break sent", gin.H{"duration_ms": req.DurationMs})
}

// GetStatusLED returns the status LED mode
// @Summary Get status LED mode
// @Tags Device
// @Produce json
// @Success 200 {object} utils.APIResponse{data=StatusLEDRequest} "Status LED retrieved"
// @Router /device/status-led [get]
func (h *DeviceHandler) GetStatusLED(c *gin.Context) {
	cfg, err := h.deviceService.GetStatusLEDConfig(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "Failed to get status LED", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Status LED retrieved", &StatusLEDRequest{Config: cfg})
}

// SetStatusLED sets the status LED mode
// @Summary Set status LED mode
// @Tags Device
// @Accept json
// @Produce json
// @Param request body StatusLEDRequest true "off, on, show_heartbeat or show_status"
// @Success 200 {object} utils.APIResponse "Status LED updated"
// @Router /device/status-led [put]
func (h *DeviceHandler) SetStatusLED(c *gin.Context) {
	var req StatusLEDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	if err := h.deviceService.SetStatusLEDConfig(c.Request.Context(), req.Config); err != nil {
		respondError(c, h.logger, "Failed to set status LED", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Status LED updated", &req)
}

// GetTemperature returns the chip temperature
// @Summary Get chip temperature
// @Tags Device
// @Produce json
// @Success 200 {object} utils.APIResponse{data=object{temperature=int}} "Temperature retrieved"
// @Router /device/temperature [get]
func (h *DeviceHandler) GetTemperature(c *gin.Context) {
	temperature, err := h.deviceService.GetChipTemperature(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "Failed to get temperature", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Temperature retrieved", gin.H{"temperature": temperature})
}

// GetSPITFPErrors returns the bricklet link error counters
// @Summary Get SPITFP error counters
// @Tags Device
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.SPITFPErrorCount} "Error counters retrieved"
// @Router /device/spitfp-errors [get]
func (h *DeviceHandler) GetSPITFPErrors(c *gin.Context) {
	count, err := h.deviceService.GetSPITFPErrorCount(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "Failed to get error counters", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Error counters retrieved", count)
}

// Reset restarts the bricklet
// @Summary Reset bricklet
// @Tags Device
// @Produce json
// @Success 200 {object} utils.APIResponse "Bricklet reset"
// @Router /device/reset [post]
func (h *DeviceHandler) Reset(c *gin.Context) {
	if err := h.deviceService.Reset(c.Request.Context()); err != nil {
		respondError(c, h.logger, "Failed to reset bricklet", err)
		return
	}
	h.logger.Info("Bricklet reset requested", zap.String("client_ip", c.ClientIP()))
	utils.SuccessResponse(c, http.StatusOK, "Bricklet reset", nil)
}

// ListEvents queries the event journal
// @Summary List journaled read events
// @Tags Device
// @Produce json
// @Param uid query string false "Filter by UID"
// @Param kind query string false "Filter by kind" Enums(payload, desync)
// @Param since query string false "RFC3339 lower bound on received_at"
// @Param limit query int false "Page size" default(100)
// @Param offset query int false "Offset" default(0)
// @Success 200 {object} utils.APIResponse{data=object{events=[]model.StoredEvent,total=int}} "Events retrieved"
// @Failure 501 {object} utils.APIResponse "Journal disabled"
// @Router /device/events [get]
func (h *DeviceHandler) ListEvents(c *gin.Context) {
	filter := &model.EventFilter{UID: c.Query("uid"), Limit: 100}

	kind, err := model.ParseReadEventKind(c.Query("kind"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid kind", err)
		return
	}
	filter.Kind = kind

	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid since", err)
			return
		}
		filter.Since = &t
	}
	if limit := c.Query("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 && l <= 1000 {
			filter.Limit = l
		}
	}
	if offset := c.Query("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	events, total, err := h.journal.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, "Failed to list events", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Events retrieved", gin.H{
		"events": events,
		"total":  total,
	})
}
