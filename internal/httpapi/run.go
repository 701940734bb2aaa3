package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/QwavePune/aws-infra-agent-bot/internal/agent"
	"github.com/QwavePune/aws-infra-agent-bot/internal/llm"
)

// wsReadLimit bounds one inbound websocket frame.
const wsReadLimit = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// prepare validates a run request and fills defaults from the config.
func (h *Handler) prepare(c echo.Context, req *agent.RunRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return errors.New("message cannot be empty")
	}
	if req.Provider == "" {
		req.Provider = h.eng.Config.LLM.Provider
	}
	if _, ok := llm.Providers[req.Provider]; !ok {
		return fmt.Errorf("unsupported provider %q", req.Provider)
	}
	if req.Backend != "" && !req.Backend.Valid() {
		return fmt.Errorf("unknown mcpServer %q", req.Backend)
	}
	req.ClientKey = clientKey(c)
	return nil
}

// Run streams one agent run as server-sent events.
// POST /api/run
func (h *Handler) Run(c echo.Context) error {
	var req agent.RunRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.prepare(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	emit := agent.EmitterFunc(func(ev agent.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(res, "data: %s\n\n", data)
		res.Flush()
	})
	if _, err := h.eng.Agent.Run(c.Request().Context(), req, emit); err != nil {
		h.logger.Warn().Err(err).Str("thread_id", req.ThreadID).Msg("run failed")
	}
	return nil
}

// RunSocket accepts run requests as JSON frames and streams each run's
// events back on the same connection. Runs on one connection are serial.
// GET /api/ws
func (h *Handler) RunSocket(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return err
	}
	defer ws.Close()
	ws.SetReadLimit(wsReadLimit)

	// The request context ends with the hijacked connection's handler, so
	// runs get their own.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("websocket read failed")
			}
			return nil
		}

		var req agent.RunRequest
		if err := json.Unmarshal(data, &req); err != nil {
			h.writeFrame(ws, agent.Event{Type: agent.RunError, Message: "invalid JSON message", Timestamp: time.Now().UnixMilli()})
			continue
		}
		if err := h.prepare(c, &req); err != nil {
			h.writeFrame(ws, agent.Event{Type: agent.RunError, Message: err.Error(), Timestamp: time.Now().UnixMilli()})
			continue
		}
		emit := agent.EmitterFunc(func(ev agent.Event) { h.writeFrame(ws, ev) })
		if _, err := h.eng.Agent.Run(ctx, req, emit); err != nil {
			h.logger.Warn().Err(err).Str("thread_id", req.ThreadID).Msg("run failed")
		}
	}
}

func (h *Handler) writeFrame(ws *websocket.Conn, ev agent.Event) {
	if err := ws.WriteJSON(ev); err != nil {
		h.logger.Debug().Err(err).Msg("websocket write failed")
	}
}
