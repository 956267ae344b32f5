// Package dicomweb exposes the QIDO-RS and WADO-RS endpoints on top of the
// query agent and the retrieval coordinator.
package dicomweb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/dcmrs-broker/dcmrs-broker/internal/cache"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
	"github.com/dcmrs-broker/dcmrs-broker/internal/query"
)

const (
	mediaTypeDicom     = "application/dicom"
	mediaTypeDicomJSON = "application/dicom+json"
	mediaTypeDicomXML  = "application/dicom+xml"
)

// Querier runs QIDO searches.
type Querier interface {
	Query(ctx context.Context, req query.Request) ([]*dcm.Attributes, error)
}

// Retriever starts or reports retrievals.
type Retriever interface {
	Acquire(ctx context.Context, id cache.Identifier) (*cache.Entry, error)
}

// Options wires the handlers.
type Options struct {
	Querier   Querier
	Retriever Retriever
	Store     cache.Store
	Logger    *logrus.Logger
	// QidoBase and WadoBase prefix the routes, e.g. "/qido-rs".
	QidoBase string
	WadoBase string
	// RetryAfter is sent with 503 while a retrieval is running.
	RetryAfter time.Duration
}

// Handler serves both services.
type Handler struct {
	querier    Querier
	retriever  Retriever
	store      cache.Store
	logger     *logrus.Logger
	retryAfter time.Duration
}

// Register mounts the QIDO and WADO routes on app.
func Register(app *fiber.App, opts Options) error {
	switch {
	case app == nil:
		return errors.New("fiber app is required")
	case opts.Querier == nil:
		return errors.New("querier is required")
	case opts.Retriever == nil:
		return errors.New("retriever is required")
	case opts.Store == nil:
		return errors.New("cache store is required")
	case opts.Logger == nil:
		return errors.New("logger is required")
	}
	qido, wado := cleanBase(opts.QidoBase), cleanBase(opts.WadoBase)
	if qido == wado {
		return fmt.Errorf("qido and wado share the base path %q", qido)
	}

	h := &Handler{
		querier:    opts.Querier,
		retriever:  opts.Retriever,
		store:      opts.Store,
		logger:     opts.Logger,
		retryAfter: opts.RetryAfter,
	}

	q := app.Group(qido)
	q.Get("/studies", h.qido(dcm.LevelStudy))
	q.Get("/studies/:study/series", h.qido(dcm.LevelSeries))
	q.Get("/series", h.qido(dcm.LevelSeries))
	q.Get("/instances", h.qido(dcm.LevelImage))
	q.Get("/studies/:study/instances", h.qido(dcm.LevelImage))
	q.Get("/studies/:study/series/:series/instances", h.qido(dcm.LevelImage))

	w := app.Group(wado)
	w.Get("/studies/:study", h.wado)
	w.Get("/studies/:study/series/:series", h.wado)
	w.Get("/studies/:study/series/:series/instances/:instance", h.wado)
	return nil
}

func cleanBase(base string) string {
	base = "/" + strings.Trim(strings.TrimSpace(base), "/")
	return base
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func sendText(c fiber.Ctx, status int, msg string) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Status(status).SendString(msg)
}

func acceptHeader(c fiber.Ctx) string {
	return string(c.Request().Header.Peek(fiber.HeaderAccept))
}
