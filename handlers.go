package main

import (
	"bytes"
	"errors"
	"io/fs"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/golang/geo/r3"
	"github.com/kwv/pointscope/cloud"
	"go.uber.org/zap"
)

// maxUploadBytes bounds a point-set upload to POST /scene/load
const maxUploadBytes = 64 << 20

var validate = validator.New()

type vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v vector) r3() r3.Vector { return r3.Vector{X: v.X, Y: v.Y, Z: v.Z} }

func fromR3(v r3.Vector) vector { return vector{X: v.X, Y: v.Y, Z: v.Z} }

type loadRequest struct {
	Path string `json:"path" validate:"required"`
}

type colorRequest struct {
	Color string `json:"color" validate:"required,hexcolor"`
}

// pickRequest either casts a ray (origin + direction, display space) or
// anchors directly at a position. Raw positions are in original coordinates.
type pickRequest struct {
	Origin    *vector `json:"origin" validate:"required_with=Direction"`
	Direction *vector `json:"direction" validate:"required_with=Origin"`
	Position  *vector `json:"position" validate:"required_without=Origin"`
	Raw       bool    `json:"raw"`
}

type radiusRequest struct {
	Radius float64 `json:"radius" validate:"gt=0"`
}

type selectionResponse struct {
	Radius float64      `json:"radius"`
	Anchor *vector      `json:"anchor,omitempty"`
	Stats  *cloud.Stats `json:"stats,omitempty"`
	Hit    *bool        `json:"hit,omitempty"`
}

// newHTTPServer creates the API server with all endpoints
func newHTTPServer(a *App) *fiber.App {
	log := a.Logger.Named("http")
	app := fiber.New(fiber.Config{
		AppName:               "pointscope",
		BodyLimit:             maxUploadBytes,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(log),
	})
	app.Use(recover.New())
	app.Use(cors.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		_, anchor := a.Scene.SelectionState()
		return c.JSON(fiber.Map{
			"status":     "ok",
			"timestamp":  time.Now(),
			"hasScan":    a.hasScan(),
			"selecting":  anchor != nil,
			"completion": a.Completion != nil,
			"mqtt":       a.MQTTClient != nil && a.MQTTClient.IsConnected(),
		})
	})

	app.Get("/scene", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"objects":   a.Scene.Objects(),
			"selection": a.selectionResponse(nil, nil),
		})
	})

	// A JSON body names a file on the server; any other body is the point
	// set itself.
	app.Post("/scene/load", func(c *fiber.Ctx) error {
		if c.Is("json") {
			var req loadRequest
			if err := bind(c, &req); err != nil {
				return err
			}
			if err := a.LoadFile(req.Path); err != nil {
				return err
			}
		} else {
			name := c.Query("name", "upload")
			ps, err := cloud.ParsePointSet(name, bytes.Clone(c.Body()))
			if err != nil {
				return err
			}
			if err := a.Scene.LoadScanned(ps); err != nil {
				return err
			}
		}
		log.Info("scene loaded")
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"objects": a.Scene.Objects()})
	})

	app.Post("/scene/clear", func(c *fiber.Ctx) error {
		removed := a.Scene.Clear()
		if removed == nil {
			removed = []cloud.Label{}
		}
		return c.JSON(fiber.Map{"removed": removed})
	})

	app.Post("/scene/objects/:label/toggle", func(c *fiber.Ctx) error {
		label := cloud.Label(c.Params("label"))
		visible, err := a.Scene.ToggleVisibility(label)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"label": label, "visible": visible})
	})

	app.Post("/scene/objects/:label/color", func(c *fiber.Ctx) error {
		var req colorRequest
		if err := bind(c, &req); err != nil {
			return err
		}
		col, err := cloud.ParseHexColor(req.Color)
		if err != nil {
			return err
		}
		label := cloud.Label(c.Params("label"))
		if err := a.Scene.ChangeColor(label, col); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"label": label, "color": cloud.HexColor(col)})
	})

	app.Post("/selection/pick", func(c *fiber.Ctx) error {
		var req pickRequest
		if err := bind(c, &req); err != nil {
			return err
		}
		switch {
		case req.Origin != nil:
			st, hit := a.Scene.Pick(cloud.Ray{Origin: req.Origin.r3(), Direction: req.Direction.r3()})
			if !hit {
				return c.JSON(a.selectionResponse(nil, &hit))
			}
			return c.JSON(a.selectionResponse(&st, &hit))
		case req.Raw:
			st, err := a.Scene.SelectAtRaw(req.Position.r3())
			if err != nil {
				return err
			}
			return c.JSON(a.selectionResponse(&st, nil))
		default:
			st := a.Scene.SelectAt(req.Position.r3())
			return c.JSON(a.selectionResponse(&st, nil))
		}
	})

	app.Post("/selection/radius", func(c *fiber.Ctx) error {
		var req radiusRequest
		if err := bind(c, &req); err != nil {
			return err
		}
		st, err := a.Scene.SetRadius(req.Radius)
		if err != nil {
			return err
		}
		return c.JSON(a.selectionResponse(&st, nil))
	})

	app.Post("/selection/reset", func(c *fiber.Ctx) error {
		st := a.Scene.Reset()
		return c.JSON(a.selectionResponse(&st, nil))
	})

	app.Get("/selection/export", func(c *fiber.Ctx) error {
		return c.JSON(a.Scene.ExportSelection())
	})

	app.Get("/jobs", func(c *fiber.Ctx) error {
		if a.Completion == nil {
			return errCompletionDisabled
		}
		infos := []cloud.JobInfo{}
		for _, j := range a.Completion.Jobs() {
			infos = append(infos, j.Info())
		}
		return c.JSON(infos)
	})

	app.Post("/jobs", func(c *fiber.Ctx) error {
		job, err := a.SubmitSelection(c.UserContext())
		if err != nil {
			return err
		}
		if job == nil {
			return c.JSON(fiber.Map{"submitted": false})
		}
		return c.Status(fiber.StatusAccepted).JSON(job.Info())
	})

	app.Get("/jobs/:token", func(c *fiber.Ctx) error {
		job, err := a.job(c.Params("token"))
		if err != nil {
			return err
		}
		return c.JSON(job.Info())
	})

	app.Delete("/jobs/:token", func(c *fiber.Ctx) error {
		job, err := a.job(c.Params("token"))
		if err != nil {
			return err
		}
		cancelled := job.Cancel()
		return c.JSON(fiber.Map{"id": job.ID(), "cancelled": cancelled, "status": job.Status().String()})
	})

	app.Post("/jobs/:token/restore", func(c *fiber.Ctx) error {
		if a.Completion == nil {
			return errCompletionDisabled
		}
		results, err := a.Completion.Restore(c.UserContext(), c.Params("token"))
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"results": results})
	})

	app.Get("/snapshot.png", func(c *fiber.Ctx) error {
		return a.renderSnapshot(c, "image/png")
	})
	app.Get("/snapshot.svg", func(c *fiber.Ctx) error {
		return a.renderSnapshot(c, "image/svg+xml")
	})

	return app
}

func (a *App) hasScan() bool {
	for _, o := range a.Scene.Objects() {
		if o.Label == cloud.LabelScanned {
			return true
		}
	}
	return false
}

func (a *App) job(token string) (*cloud.Job, error) {
	if a.Completion == nil {
		return nil, errCompletionDisabled
	}
	job, ok := a.Completion.Job(token)
	if !ok {
		return nil, fiber.NewError(fiber.StatusNotFound, "job "+token+" not found")
	}
	return job, nil
}

func (a *App) selectionResponse(st *cloud.Stats, hit *bool) selectionResponse {
	radius, anchor := a.Scene.SelectionState()
	resp := selectionResponse{Radius: radius, Stats: st, Hit: hit}
	if anchor != nil {
		v := fromR3(*anchor)
		resp.Anchor = &v
	}
	return resp
}

// renderSnapshot writes the scene in the requested content type. The camera
// can be overridden with ?yaw= and ?pitch= (degrees).
func (a *App) renderSnapshot(c *fiber.Ctx, contentType string) error {
	snap := *a.Snapshot
	if v := c.Query("yaw"); v != "" {
		yaw, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid yaw")
		}
		snap.Camera.Yaw = yaw
	}
	if v := c.Query("pitch"); v != "" {
		pitch, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid pitch")
		}
		snap.Camera.Pitch = pitch
	}

	var buf bytes.Buffer
	var err error
	a.Scene.View(func(store *cloud.Store) {
		if contentType == "image/svg+xml" {
			err = snap.RenderSVG(&buf, store)
		} else {
			err = snap.RenderPNG(&buf, store)
		}
	})
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(fiber.HeaderCacheControl, "no-cache")
	return c.Send(buf.Bytes())
}

// bind parses and validates a JSON body
func bind(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if err := validate.Struct(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, cloud.ErrInvalidInput),
		errors.Is(err, cloud.ErrInvalidArgument),
		errors.Is(err, cloud.ErrUnsupportedFormat):
		return fiber.StatusBadRequest
	case errors.Is(err, cloud.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return fiber.StatusNotFound
	case errors.Is(err, cloud.ErrTransport):
		return fiber.StatusBadGateway
	case errors.Is(err, errCompletionDisabled):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func errorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := statusFor(err)
		if code >= fiber.StatusInternalServerError {
			log.Error("request failed", zap.String("method", c.Method()), zap.String("path", c.Path()), zap.Int("status", code), zap.Error(err))
		} else {
			log.Debug("request rejected", zap.String("path", c.Path()), zap.Int("status", code), zap.Error(err))
		}
		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
}
