package dicomweb

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dcmrs-broker/dcmrs-broker/internal/cache"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
	"github.com/dcmrs-broker/dcmrs-broker/internal/server"
)

type deliverable struct {
	path           string
	transferSyntax string
}

func (h *Handler) wado(c fiber.Ctx) error {
	id := cache.Identifier{
		Study:    c.Params("study"),
		Series:   c.Params("series"),
		Instance: c.Params("instance"),
	}
	fields := logrus.Fields{
		"action":     "wado_retrieve",
		"target":     id.String(),
		"qr_level":   string(id.Level()),
		"request_id": server.RequestID(c),
	}
	if err := id.Validate(); err != nil {
		return sendText(c, fiber.StatusBadRequest, err.Error())
	}
	accept, ok := parseDicomAccept(acceptHeader(c))
	if !ok {
		return sendText(c, fiber.StatusNotAcceptable, "only application/dicom content is served")
	}

	ctx := requestContext(c)
	entry, err := h.retriever.Acquire(ctx, id)
	if err != nil {
		if errors.Is(err, cache.ErrInvalidIdentifier) {
			return sendText(c, fiber.StatusBadRequest, err.Error())
		}
		h.logger.WithFields(fields).WithError(err).Error("acquire failed")
		return sendText(c, fiber.StatusInternalServerError, err.Error())
	}

	switch entry.Status {
	case cache.StatusInProgress:
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(h.retryAfter/time.Second)))
		return sendText(c, fiber.StatusServiceUnavailable, "retrieval in progress")
	case cache.StatusFailed:
		return sendText(c, fiber.StatusInternalServerError, entry.Error)
	}

	files, err := h.store.Files(ctx, id)
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Error("list cached objects failed")
		return sendText(c, fiber.StatusInternalServerError, err.Error())
	}
	if len(files) == 0 {
		return sendText(c, fiber.StatusInternalServerError, fmt.Sprintf("no objects cached for %s", id))
	}

	parts := h.selectDeliverable(files, accept, fields)
	if len(parts) == 0 {
		return sendText(c, fiber.StatusNotAcceptable, "no object is available in an acceptable transfer syntax")
	}
	status := fiber.StatusOK
	if len(parts) < len(files) {
		status = fiber.StatusPartialContent
	}
	h.logger.WithFields(fields).WithFields(logrus.Fields{
		"objects":     len(parts),
		"cached":      len(files),
		"status_code": status,
	}).Info("wado objects served")

	mw, err := newMultipart(c, mediaTypeDicom, uuid.NewString())
	if err != nil {
		return err
	}
	c.Status(status)
	for _, p := range parts {
		if err := writeObjectPart(mw, p); err != nil {
			h.logger.WithFields(fields).WithError(err).Warn("stream object failed")
			return err
		}
	}
	return mw.Close()
}

// selectDeliverable keeps the files whose stored transfer syntax the client
// accepts. Unreadable files are skipped.
func (h *Handler) selectDeliverable(files []string, accept dicomAccept, fields logrus.Fields) []deliverable {
	out := make([]deliverable, 0, len(files))
	for _, path := range files {
		ts, err := storedTransferSyntax(path)
		if err != nil {
			h.logger.WithFields(fields).WithField("path", path).WithError(err).Warn("unreadable cached object")
			continue
		}
		if accept.allows(ts) {
			out = append(out, deliverable{path: path, transferSyntax: ts})
		}
	}
	return out
}

func storedTransferSyntax(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	meta, err := dcm.ReadFileMeta(f)
	if err != nil {
		return "", err
	}
	return meta.TransferSyntaxUID, nil
}

func newMultipart(c fiber.Ctx, partType, boundary string) (*multipart.Writer, error) {
	mw := multipart.NewWriter(c.Response().BodyWriter())
	if err := mw.SetBoundary(boundary); err != nil {
		return nil, err
	}
	c.Set(fiber.HeaderContentType, fmt.Sprintf(`multipart/related; type="%s"; boundary=%s`, partType, boundary))
	return mw, nil
}

func writeObjectPart(mw *multipart.Writer, p deliverable) error {
	f, err := os.Open(p.path)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := textproto.MIMEHeader{}
	hdr.Set(fiber.HeaderContentType, mediaTypeDicom+"; transfer-syntax="+p.transferSyntax)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}
