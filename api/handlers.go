package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"androidfarm/farm"
	"androidfarm/grid"
	"androidfarm/models"
	"androidfarm/pool"
	"androidfarm/service"
)

// Error codes carried in APIResponse.Code.
const (
	CodePoolFull          = "pool_full"
	CodeUnknownDevice     = "unknown_device"
	CodeInvalidTransition = "invalid_transition"
	CodeUnavailable       = "unavailable"
	CodeBadRequest        = "bad_request"
	CodeInternal          = "internal"
)

type tileRequest struct {
	Consumer string `json:"consumer"`
}

type selectedRequest struct {
	DeviceIDs []string `json:"device_ids" binding:"required"`
	Consumer  string   `json:"consumer"`
}

// statusFor maps farm and pool errors onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, pool.ErrCapacityExceeded):
		return http.StatusServiceUnavailable, CodePoolFull
	case errors.Is(err, farm.ErrUnknownDevice):
		return http.StatusNotFound, CodeUnknownDevice
	case errors.Is(err, farm.ErrInvalidTransition),
		errors.Is(err, farm.ErrNotStreaming),
		errors.Is(err, pool.ErrAlreadyActive):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, farm.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func respondError(c *gin.Context, err error, data any) {
	status, code := statusFor(err)
	c.JSON(status, models.FailureResponse(code, err.Error(), data))
}

// bindOptional binds a JSON body if there is one.
func bindOptional(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, models.FailureResponse(CodeBadRequest, err.Error(), nil))
		return false
	}
	return true
}

// GetDevices returns the devices seen by the last scan.
func GetDevices(c *gin.Context, dm *service.DeviceManager) {
	c.JSON(http.StatusOK, models.SuccessResponse(dm.GetAllDevices()))
}

// ScanDevices scans now and reconciles the farm with the result.
func ScanDevices(c *gin.Context, p *service.Poller, dm *service.DeviceManager) {
	res, err := p.Poll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, models.FailureResponse(CodeUnavailable, err.Error(), nil))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{
		"devices": dm.GetAllDevices(),
		"added":   res.Added,
		"removed": res.Removed,
	}))
}

func GetTiles(c *gin.Context, f *farm.Orchestrator) {
	tiles, err := f.Tiles(c.Request.Context())
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(tiles))
}

func GetTile(c *gin.Context, f *farm.Orchestrator) {
	tile, err := f.Tile(c.Request.Context(), c.Param("device_id"))
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(tile))
}

// ConnectTile asks for a stream. 202 means the transport is still opening.
func ConnectTile(c *gin.Context, f *farm.Orchestrator) {
	var req tileRequest
	if !bindOptional(c, &req) {
		return
	}
	tile, err := f.RequestConnect(c.Request.Context(), c.Param("device_id"), req.Consumer)
	if err != nil {
		// a capacity rejection still changed the tile; show it
		var data any
		if tile.DeviceID != "" {
			data = tile
		}
		respondError(c, err, data)
		return
	}
	status := http.StatusOK
	if tile.State == farm.StateConnecting {
		status = http.StatusAccepted
	}
	c.JSON(status, models.SuccessResponse(tile))
}

// DisconnectTile drops one consumer, or every consumer when none is named.
func DisconnectTile(c *gin.Context, f *farm.Orchestrator) {
	var req tileRequest
	if !bindOptional(c, &req) {
		return
	}
	tile, err := f.RequestDisconnect(c.Request.Context(), c.Param("device_id"), req.Consumer)
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(tile))
}

// ConnectSelected connects the listed devices in order. Per-device failures
// are reported in the results, not as an HTTP error.
func ConnectSelected(c *gin.Context, f *farm.Orchestrator) {
	var req selectedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.FailureResponse(CodeBadRequest, err.Error(), nil))
		return
	}
	results, err := f.RequestConnectSelected(c.Request.Context(), req.DeviceIDs, req.Consumer)
	if err != nil {
		respondError(c, err, results)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(results))
}

// GetLayout returns the grid for the current fleet. width and height
// default to a 1920x1080 screen.
func GetLayout(c *gin.Context, f *farm.Orchestrator) {
	vp := grid.Viewport{Width: 1920, Height: 1080}
	for _, q := range []struct {
		name string
		dst  *int
	}{{"width", &vp.Width}, {"height", &vp.Height}} {
		raw := c.Query(q.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, models.FailureResponse(CodeBadRequest, "invalid "+q.name, nil))
			return
		}
		*q.dst = n
	}
	layout, err := f.Layout(c.Request.Context(), vp)
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(layout))
}

func GetStats(c *gin.Context, f *farm.Orchestrator) {
	stats, err := f.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(stats))
}

// RunCleanup reclaims idle connections now instead of at the next tick.
func RunCleanup(c *gin.Context, f *farm.Orchestrator) {
	ids, err := f.Cleanup(c.Request.Context())
	if err != nil {
		respondError(c, err, nil)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"reclaimed": ids}))
}

func GetEvents(c *gin.Context, events EventLog) {
	if events == nil {
		c.JSON(http.StatusNotFound, models.FailureResponse(CodeUnavailable, "event history is disabled", nil))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := events.Events(c.Request.Context(), c.Query("device_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.FailureResponse(CodeInternal, err.Error(), nil))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(list))
}
