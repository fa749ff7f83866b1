package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// browsers connect from the board's own origin or a dev server; auth
	// is carried by the bearer token, not cookies
	CheckOrigin: func(*http.Request) bool { return true },
}

// Register wires up all board routes on the provided Echo instance.
func Register(e *echo.Echo, d *Dispatcher, auth Authenticator, sendBuffer int) {
	e.GET("/ws", serveWebsocket(d, auth, sendBuffer))
	e.GET("/api/tasks", getTasks(d, auth))
	e.POST("/api/commands", postCommand(d, auth), DecompressCommandBody())
	e.GET("/healthz", healthz(d.hub))
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type commandResponse struct {
	Task      *domain.Task      `json:"task,omitempty"`
	ID        string            `json:"id,omitempty"`
	Rejection *domain.Rejection `json:"rejection,omitempty"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func healthz(h *Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, healthResponse{Status: "ok", Sessions: h.SessionCount()})
	}
}

func serveWebsocket(d *Dispatcher, auth Authenticator, sendBuffer int) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(authHeader(c))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// the upgrader already wrote the error response
			d.logger.WithError(err).Debug("websocket upgrade failed")
			return nil
		}
		s := newSession(conn, d.hub, userID, sendBuffer)
		s.run(c.Request().Context(), d)
		return nil
	}
}

func getTasks(d *Dispatcher, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(authHeader(c)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		tasks, err := d.svc.List(c.Request().Context())
		if err != nil {
			d.logger.WithError(err).Error("list tasks failed")
			return c.String(http.StatusInternalServerError, "failed to load tasks")
		}
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
	}
}

func postCommand(d *Dispatcher, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(authHeader(c))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		raw, err := io.ReadAll(c.Request().Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return c.String(http.StatusRequestEntityTooLarge, "command body too large")
			}
			return c.String(http.StatusBadRequest, "unreadable command body")
		}
		env, err := domain.DecodeEnvelope(raw)
		if err != nil {
			r := rejectionFor(env, nil, err)
			return c.JSON(http.StatusBadRequest, commandResponse{Rejection: &r})
		}

		out := d.Execute(c.Request().Context(), userID, env)
		if out.Rejection != nil {
			return c.JSON(rejectionStatus(out.Rejection.Reason), commandResponse{Rejection: out.Rejection})
		}
		return c.JSON(http.StatusOK, commandResponse{Task: out.Task, ID: out.DeletedID})
	}
}

func rejectionStatus(reason string) int {
	switch reason {
	case domain.ReasonValidation:
		return http.StatusBadRequest
	case domain.ReasonNotFound:
		return http.StatusNotFound
	case domain.ReasonConflict, domain.ReasonDuplicate:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
