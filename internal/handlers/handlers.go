// Package handlers exposes the edge node over HTTP: content serving, node
// stats, and the router control endpoints.
package handlers

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/edgewise/edge-delivery/internal/edgefunc"
	"github.com/edgewise/edge-delivery/internal/router"
	"github.com/edgewise/edge-delivery/internal/server"
	"github.com/edgewise/edge-delivery/pkg/metrics"
)

type Handler struct {
	server    *server.Server
	router    *router.Router
	runtime   *edgefunc.Runtime
	collector *metrics.Collector // optional
	logger    *zap.Logger
	tracer    trace.Tracer
}

func New(edge *server.Server, rt *router.Router, runtime *edgefunc.Runtime, collector *metrics.Collector, logger *zap.Logger) *Handler {
	return &Handler{
		server:    edge,
		router:    rt,
		runtime:   runtime,
		collector: collector,
		logger:    logger,
		tracer:    otel.Tracer("edge-delivery"),
	}
}

// Serve handles a content request through the edge server.
func (h *Handler) Serve(c *fiber.Ctx) error {
	requestID := c.Get("x-request-id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ctx, span := h.tracer.Start(c.UserContext(), "edge.serve")
	span.SetAttributes(
		attribute.String("http.method", c.Method()),
		attribute.String("http.path", c.Path()),
		attribute.String("request.id", requestID),
	)
	defer span.End()

	req := &edgefunc.Request{
		Method:    c.Method(),
		URL:       c.OriginalURL(),
		Headers:   requestHeaders(c),
		Body:      c.Body(),
		ClientIP:  c.IP(),
		UserAgent: c.Get("user-agent"),
		Country:   c.Get("x-client-country"),
		Region:    c.Get("x-client-region"),
		City:      c.Get("x-client-city"),
		Timestamp: time.Now(),
	}
	req.SetHeader("x-request-id", requestID)

	resp := h.server.HandleRequest(ctx, req)

	for k, v := range resp.Headers {
		c.Set(k, v)
	}
	c.Set("x-request-id", requestID)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	return c.Status(resp.StatusCode).Send(resp.Body)
}

// Stats reports node, cache, and pipeline statistics.
func (h *Handler) Stats(c *fiber.Ctx) error {
	payload := fiber.Map{
		"server": h.server.Stats(),
	}
	if h.runtime != nil {
		payload["functions"] = h.runtime.Stats()
	}
	return c.JSON(payload)
}

// Health is the liveness endpoint.
func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// RouterServers lists all known server metrics snapshots.
func (h *Handler) RouterServers(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"servers": h.router.Servers()})
}

// RouterSelect picks the best server for the client location given as
// lat/lon query parameters, with an optional strategy override.
func (h *Handler) RouterSelect(c *fiber.Ctx) error {
	client, err := clientLocation(c)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	strategy := router.Strategy(c.Query("strategy"))
	id, ok := h.router.SelectServer(client, strategy)

	strategyLabel := string(strategy)
	if strategyLabel == "" {
		strategyLabel = "default"
	}
	if !ok {
		if h.collector != nil {
			h.collector.ObserveRouterSelection(strategyLabel, "no_eligible_server")
		}
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "no eligible server",
		})
	}
	if h.collector != nil {
		h.collector.ObserveRouterSelection(strategyLabel, "selected")
	}
	return c.JSON(fiber.Map{"server_id": id})
}

// RouterRecommend returns up to three ranked failover candidates.
func (h *Handler) RouterRecommend(c *fiber.Ctx) error {
	client, err := clientLocation(c)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(fiber.Map{"candidates": h.router.Recommend(client)})
}

func clientLocation(c *fiber.Ctx) (router.Location, error) {
	lat, err := strconv.ParseFloat(c.Query("lat"), 64)
	if err != nil {
		return router.Location{}, fiber.NewError(fiber.StatusBadRequest, "invalid lat")
	}
	lon, err := strconv.ParseFloat(c.Query("lon"), 64)
	if err != nil {
		return router.Location{}, fiber.NewError(fiber.StatusBadRequest, "invalid lon")
	}
	return router.Location{Latitude: lat, Longitude: lon}, nil
}

// requestHeaders flattens the inbound headers with lowercase keys, the
// convention used throughout the pipeline and cache key derivation.
func requestHeaders(c *fiber.Ctx) map[string]string {
	headers := make(map[string]string)
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers[strings.ToLower(string(key))] = string(value)
	})
	return headers
}
