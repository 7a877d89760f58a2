package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rovernet/roverbridge/internal/command"
	"github.com/rovernet/roverbridge/internal/datastore"
	"github.com/rovernet/roverbridge/internal/errors"
	"github.com/rovernet/roverbridge/internal/logger"
)

// Request limits
const (
	MaxBatchSamples       = 1000
	DefaultDetectionLimit = 50
	MaxDetectionLimit     = 500
	defaultStatsWindow    = 24 * time.Hour
	maxKindLength         = 64
	maxUnitLength         = 16
	maxDeviceIDLength     = 64
)

// SampleInput is one measurement submitted over HTTP
type SampleInput struct {
	DeviceID  string         `json:"device_id"`
	Kind      string         `json:"kind"`
	Value     *float64       `json:"value"`
	Unit      string         `json:"unit"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp *time.Time     `json:"timestamp"`
}

// BatchInput wraps a sample batch
type BatchInput struct {
	Samples []SampleInput `json:"samples"`
}

// postCommand validates and dispatches a device command
func (s *Server) postCommand(c echo.Context) error {
	action := c.Param("action")

	// body only, Bind would copy path params into the map
	params := map[string]any{}
	if err := (&echo.DefaultBinder{}).BindBody(c, &params); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	normalized, err := command.Validate(action, params)
	switch {
	case errors.Is(err, errors.ErrUnknownAction):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if s.transport != nil && !s.transport.IsConnected() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "device transport not connected")
	}
	if !s.dispatcher.Dispatch(action, normalized) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "command not sent")
	}

	s.log.Info("command dispatched",
		logger.String("action", action),
		logger.Int64("owner_id", ownerFrom(c)))

	return c.JSON(http.StatusAccepted, map[string]any{
		"status": "sent",
		"action": action,
		"params": normalized,
	})
}

// getPosition returns the latest position fix of the configured device
func (s *Server) getPosition(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), queryTimeout)
	defer cancel()

	pos, err := s.store.LatestPosition(ctx, ownerFrom(c), s.config.DeviceID)
	if err != nil {
		return storeError(err, "no position recorded")
	}
	return c.JSON(http.StatusOK, pos)
}

// getDetections returns the most recent object detections, newest first
func (s *Server) getDetections(c echo.Context) error {
	limit := DefaultDetectionLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > MaxDetectionLimit {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 500")
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), queryTimeout)
	defer cancel()

	detections, err := s.store.RecentDetections(ctx, ownerFrom(c), s.config.DeviceID, limit)
	if err != nil {
		return storeError(err, "")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"count":      len(detections),
		"detections": detections,
	})
}

// postSensor stores a single measurement
func (s *Server) postSensor(c echo.Context) error {
	var in SampleInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	sample, err := s.toSample(ownerFrom(c), in)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), queryTimeout)
	defer cancel()

	samples := []datastore.SensorSample{sample}
	if err := s.store.InsertSensorSamples(ctx, samples); err != nil {
		return storeError(err, "")
	}
	return c.JSON(http.StatusCreated, samples[0])
}

// postSensorBatch stores up to MaxBatchSamples measurements at once
func (s *Server) postSensorBatch(c echo.Context) error {
	var in BatchInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if len(in.Samples) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "samples must not be empty")
	}
	if len(in.Samples) > MaxBatchSamples {
		return echo.NewHTTPError(http.StatusBadRequest, "too many samples, maximum is 1000")
	}

	owner := ownerFrom(c)
	samples := make([]datastore.SensorSample, 0, len(in.Samples))
	for i, raw := range in.Samples {
		sample, err := s.toSample(owner, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "sample "+strconv.Itoa(i)+": "+err.Error())
		}
		samples = append(samples, sample)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), queryTimeout)
	defer cancel()

	if err := s.store.InsertSensorSamples(ctx, samples); err != nil {
		return storeError(err, "")
	}
	return c.JSON(http.StatusCreated, map[string]any{"inserted": len(samples)})
}

// getSensorStats aggregates one kind since the given time
func (s *Server) getSensorStats(c echo.Context) error {
	kind := c.Param("kind")

	since := time.Now().UTC().Add(-defaultStatsWindow)
	if raw := c.QueryParam("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be an RFC3339 timestamp")
		}
		since = t.UTC()
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), queryTimeout)
	defer cancel()

	stats, err := s.store.SensorStats(ctx, ownerFrom(c), kind, since)
	if err != nil {
		return storeError(err, "")
	}
	return c.JSON(http.StatusOK, stats)
}

// toSample validates an input sample and fills in defaults
func (s *Server) toSample(owner int64, in SampleInput) (datastore.SensorSample, error) {
	kind := strings.TrimSpace(in.Kind)
	switch {
	case kind == "":
		return datastore.SensorSample{}, invalidInput("kind is required")
	case len(kind) > maxKindLength:
		return datastore.SensorSample{}, invalidInput("kind is too long")
	case in.Value == nil:
		return datastore.SensorSample{}, invalidInput("value is required")
	case math.IsNaN(*in.Value) || math.IsInf(*in.Value, 0):
		return datastore.SensorSample{}, invalidInput("value must be a finite number")
	case len(in.Unit) > maxUnitLength:
		return datastore.SensorSample{}, invalidInput("unit is too long")
	case len(in.DeviceID) > maxDeviceIDLength:
		return datastore.SensorSample{}, invalidInput("device_id is too long")
	}

	sample := datastore.SensorSample{
		OwnerID:   owner,
		DeviceID:  in.DeviceID,
		Kind:      kind,
		Value:     *in.Value,
		Unit:      in.Unit,
		Metadata:  in.Metadata,
		Timestamp: time.Now().UTC(),
	}
	if sample.DeviceID == "" {
		sample.DeviceID = s.config.DeviceID
	}
	if in.Timestamp != nil && !in.Timestamp.IsZero() {
		sample.Timestamp = in.Timestamp.UTC()
	}
	return sample, nil
}

func invalidInput(msg string) error {
	return errors.Newf("%s", msg).
		Component(componentName).
		Category(errors.CategoryValidation).
		Build()
}

// storeError maps datastore failures to HTTP errors
func storeError(err error, notFound string) error {
	if notFound != "" && errors.Is(err, errors.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, notFound)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "storage error").SetInternal(err)
}
