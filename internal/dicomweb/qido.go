package dicomweb

import (
	"encoding/json"
	"fmt"
	"net/textproto"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
	"github.com/dcmrs-broker/dcmrs-broker/internal/logging"
	"github.com/dcmrs-broker/dcmrs-broker/internal/query"
	"github.com/dcmrs-broker/dcmrs-broker/internal/server"
)

func (h *Handler) qido(level dcm.Level) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		values, err := url.ParseQuery(string(c.Request().URI().QueryString()))
		if err != nil {
			return sendText(c, fiber.StatusBadRequest, "malformed query string: "+err.Error())
		}
		req := query.ParseRequest(level, c.Params("study"), c.Params("series"), values, h.logger)

		fields := logging.QueryFields(string(level), req.Offset, req.Limit)
		fields["request_id"] = server.RequestID(c)

		results, err := h.querier.Query(requestContext(c), req)
		if err != nil {
			h.logger.WithFields(fields).WithError(err).Error("qido query failed")
			return sendText(c, fiber.StatusInternalServerError, err.Error())
		}
		h.logger.WithFields(fields).WithFields(logrus.Fields{
			"results":    len(results),
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).Info("qido query served")

		if len(results) == 0 {
			return c.SendStatus(fiber.StatusNoContent)
		}
		if wantsJSON(acceptHeader(c)) {
			body, err := json.Marshal(results)
			if err != nil {
				return sendText(c, fiber.StatusInternalServerError, err.Error())
			}
			c.Set(fiber.HeaderContentType, mediaTypeDicomJSON)
			return c.Status(fiber.StatusOK).Send(body)
		}
		return writeXMLParts(c, results)
	}
}

func writeXMLParts(c fiber.Ctx, results []*dcm.Attributes) error {
	mw, err := newMultipart(c, mediaTypeDicomXML, uuid.NewString())
	if err != nil {
		return err
	}
	c.Status(fiber.StatusOK)
	for _, attrs := range results {
		hdr := textproto.MIMEHeader{}
		hdr.Set(fiber.HeaderContentType, mediaTypeDicomXML)
		part, err := mw.CreatePart(hdr)
		if err != nil {
			return err
		}
		if err := dcm.WriteXML(part, attrs); err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
	}
	return mw.Close()
}
