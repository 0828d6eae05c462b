package server

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/tokenwatch/tokenwatch/internal/sqlite"
	"github.com/tokenwatch/tokenwatch/pkg/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func parseLimit(c *fiber.Ctx) int {
	limit := c.QueryInt("limit", defaultListLimit)
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}

func (s *Server) handleListTriggers(c *fiber.Ctx) error {
	orgID, err := strconv.ParseInt(c.Params("orgID"), 10, 64)
	if err != nil {
		return SendError(c, fiber.StatusBadRequest, "invalid organization id")
	}

	triggers, err := s.sqlite.ListTriggersByOrg(c.Context(), models.OrgID(orgID), parseLimit(c))
	if err != nil {
		s.log.Error("failed to list triggers", "org_id", orgID, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "failed to list triggers")
	}
	return SendSuccess(c, fiber.StatusOK, triggers)
}

func (s *Server) handleGetDelivery(c *fiber.Ctx) error {
	deliveryID := c.Params("deliveryID")
	if deliveryID == "" {
		return SendError(c, fiber.StatusBadRequest, "delivery id is required")
	}

	d, err := s.sqlite.GetDelivery(c.Context(), deliveryID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return SendError(c, fiber.StatusNotFound, "delivery not found")
		}
		s.log.Error("failed to get delivery", "delivery_id", deliveryID, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "failed to retrieve delivery")
	}
	return SendSuccess(c, fiber.StatusOK, d)
}

func (s *Server) handleListWebhookDeliveries(c *fiber.Ctx) error {
	webhookID, err := strconv.ParseInt(c.Params("webhookID"), 10, 64)
	if err != nil {
		return SendError(c, fiber.StatusBadRequest, "invalid webhook id")
	}

	deliveries, err := s.sqlite.ListDeliveriesByWebhook(c.Context(), models.WebhookID(webhookID), parseLimit(c))
	if err != nil {
		s.log.Error("failed to list deliveries", "webhook_id", webhookID, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "failed to list deliveries")
	}
	return SendSuccess(c, fiber.StatusOK, deliveries)
}

func (s *Server) handleTestWebhook(c *fiber.Ctx) error {
	webhookID, err := strconv.ParseInt(c.Params("webhookID"), 10, 64)
	if err != nil {
		return SendError(c, fiber.StatusBadRequest, "invalid webhook id")
	}

	deliveryID, err := s.dispatcher.SendTestWebhook(c.Context(), models.WebhookID(webhookID))
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return SendError(c, fiber.StatusNotFound, "webhook not found")
		}
		s.log.Error("test webhook delivery failed", "webhook_id", webhookID, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "failed to send test webhook")
	}
	return SendSuccess(c, fiber.StatusAccepted, fiber.Map{"delivery_id": deliveryID})
}
