package server

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"

	"fingerid/config"
	"fingerid/engine"
	"fingerid/gallery"
	"fingerid/imaging"
	"fingerid/logging"
	"fingerid/store"
	"fingerid/types"
)

// Server exposes the identification engine over HTTP.
type Server struct {
	app     *fiber.App
	cfg     *config.Config
	engine  *engine.Engine
	index   *gallery.Index
	started time.Time
}

// New builds the fiber application and registers all routes.
func New(cfg *config.Config, eng *engine.Engine, index *gallery.Index) *Server {
	app := fiber.New(fiber.Config{
		AppName:   "fingerid",
		BodyLimit: 16 * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(fiberlogger.New())
	app.Use(cors.New())

	s := &Server{app: app, cfg: cfg, engine: eng, index: index, started: time.Now()}

	app.Post("/identify_employee", s.handleIdentify)
	app.Post("/match_image", s.handleMatchImage)
	app.Post("/match_templates", s.handleMatchTemplates)
	app.Post("/reload_index", s.handleReloadIndex)
	app.Post("/sync_employee/:id", s.handleSyncEmployee)
	app.Post("/extract_template", s.handleExtractTemplate)
	app.Post("/test_template", s.handleTestTemplate)
	app.Get("/health", s.handleHealth)
	app.Get("/params", s.handleParams)

	return s
}

// Listen blocks serving HTTP on the configured address.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Listen)
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

type identifyRequest struct {
	ProbeImageB64 string `json:"probe_image_b64"`
	MaxCandidates int    `json:"max_candidates"`
}

type identifyResponse struct {
	*types.IdentificationDecision
	ProcessingMS int64 `json:"processing_ms"`
}

func (s *Server) handleIdentify(c *fiber.Ctx) error {
	var req identifyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.ProbeImageB64 == "" {
		return fiber.NewError(fiber.StatusBadRequest, "probe_image_b64 is required")
	}

	image, err := imaging.CleanBase64(req.ProbeImageB64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	ctx, cancel := context.WithTimeout(c.UserContext(),
		time.Duration(s.cfg.RequestTimeoutMS)*time.Millisecond)
	defer cancel()

	decision, err := s.engine.Identify(ctx, image, req.MaxCandidates)
	switch {
	case errors.Is(err, types.ErrTimeout):
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{
			"error":           "identification timed out",
			"decision_reason": types.ReasonTimeout,
		})
	case errors.Is(err, types.ErrStoreUnavailable):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case err != nil:
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	return c.JSON(identifyResponse{
		IdentificationDecision: decision,
		ProcessingMS:           decision.ProcessingTime.Milliseconds(),
	})
}

type matchImageRequest struct {
	Image1B64         string `json:"image_1_b64"`
	Image2B64         string `json:"image_2_b64"`
	ThresholdOverride int    `json:"threshold_override"`
}

func (s *Server) handleMatchImage(c *fiber.Ctx) error {
	var req matchImageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Image1B64 == "" || req.Image2B64 == "" {
		return fiber.NewError(fiber.StatusBadRequest, "image_1_b64 and image_2_b64 are required")
	}

	image1, err := imaging.CleanBase64(req.Image1B64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	image2, err := imaging.CleanBase64(req.Image2B64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	result, err := s.engine.VerifyImages(image1, image2, req.ThresholdOverride)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(result)
}

type matchTemplatesRequest struct {
	ProbeImageB64     string   `json:"probe_image_b64"`
	TemplatesB64      []string `json:"templates_b64"`
	ThresholdOverride int      `json:"threshold_override"`
}

func (s *Server) handleMatchTemplates(c *fiber.Ctx) error {
	var req matchTemplatesRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.ProbeImageB64 == "" {
		return fiber.NewError(fiber.StatusBadRequest, "probe_image_b64 is required")
	}
	if len(req.TemplatesB64) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "at least one template is required")
	}

	probe, err := imaging.CleanBase64(req.ProbeImageB64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	templates := make([][]byte, 0, len(req.TemplatesB64))
	for _, t := range req.TemplatesB64 {
		blob, err := imaging.CleanBase64(t)
		if err != nil {
			// Undecodable payloads count as unusable templates downstream.
			blob = nil
		}
		templates = append(templates, blob)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(),
		time.Duration(s.cfg.RequestTimeoutMS)*time.Millisecond)
	defer cancel()

	result, err := s.engine.VerifyTemplates(ctx, probe, templates, req.ThresholdOverride)
	switch {
	case errors.Is(err, types.ErrTimeout):
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{
			"error":  "verification timed out",
			"reason": types.ReasonTimeout,
		})
	case err != nil:
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(result)
}

type testTemplateRequest struct {
	TemplateB64 string `json:"template_b64"`
}

// handleTestTemplate checks whether a payload is a decodable descriptor
// blob. Enrollment clients use it to debug template format issues.
func (s *Server) handleTestTemplate(c *fiber.Ctx) error {
	var req testTemplateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	response := fiber.Map{
		"template_length":         len(req.TemplateB64),
		"deserialization_success": false,
		"keypoint_count":          0,
	}

	blob, err := imaging.CleanBase64(req.TemplateB64)
	if err != nil {
		response["error"] = err.Error()
		return c.JSON(response)
	}

	fs, err := store.DecodeFeatureSet(blob)
	if err != nil {
		response["error"] = err.Error()
		return c.JSON(response)
	}

	response["deserialization_success"] = true
	response["keypoint_count"] = fs.KeypointCount
	return c.JSON(response)
}

func (s *Server) handleReloadIndex(c *fiber.Ctx) error {
	summary, err := s.index.RebuildAll(c.UserContext())
	if err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(fiber.Map{
		"status":  "reloaded",
		"summary": summary,
	})
}

func (s *Server) handleSyncEmployee(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid employee id")
	}

	snap, err := s.index.UpsertEmployee(c.UserContext(), int64(id))
	if err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}

	_, inGallery := snap.Entry(int64(id))
	return c.JSON(fiber.Map{
		"employee_id":  id,
		"in_gallery":   inGallery,
		"gallery_size": snap.Size(),
	})
}

type extractRequest struct {
	ImageB64 string `json:"image_b64"`
}

func (s *Server) handleExtractTemplate(c *fiber.Ctx) error {
	var req extractRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.ImageB64 == "" {
		return fiber.NewError(fiber.StatusBadRequest, "image_b64 is required")
	}

	image, err := imaging.CleanBase64(req.ImageB64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	blob, keypoints, err := s.engine.ExtractTemplate(image)
	if err != nil {
		if types.IsQualityError(err) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error":          err.Error(),
				"keypoint_count": keypoints,
			})
		}
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	logging.DebugLog("extract_template: %d keypoints, %d-byte blob", keypoints, len(blob))
	return c.JSON(fiber.Map{
		"descriptors_b64": base64.StdEncoding.EncodeToString(blob),
		"keypoint_count":  keypoints,
	})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":         "ok",
		"index_ready":    s.index.Ready(),
		"gallery_size":   s.index.Snapshot().Size(),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleParams(c *fiber.Ctx) error {
	return c.JSON(s.cfg.Params())
}
