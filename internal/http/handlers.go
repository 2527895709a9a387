package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"triage-chatbot/internal/core"
	"triage-chatbot/internal/db"
	"triage-chatbot/internal/logger"
	types "triage-chatbot/pkg"
)

// AlertSubscriber streams triage alerts until ctx is done.
type AlertSubscriber interface {
	Subscribe(ctx context.Context) (<-chan types.TriageAlert, error)
}

// Server bundles together the dependencies required by HTTP handlers.
type Server struct {
	Engine *core.Engine
	Store  db.Store
	Alerts AlertSubscriber
	Log    *logger.Logger
}

// NewServer constructs a Server.  alerts may be nil, which disables the
// staff alert stream.
func NewServer(engine *core.Engine, store db.Store, alerts AlertSubscriber, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	return &Server{Engine: engine, Store: store, Alerts: alerts, Log: log}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Log.Debug("request",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) Health(c *gin.Context) {
	RespondOK(c, gin.H{"status": "ok"})
}

// CreateSession hands out a fresh session id.  Nothing is stored until the
// first message arrives.
func (s *Server) CreateSession(c *gin.Context) {
	RespondOK(c, gin.H{"sessionId": uuid.NewString()})
}

func validSessionID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Chat processes one patient message.
func (s *Server) Chat(c *gin.Context) {
	var req types.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", "Yêu cầu không hợp lệ.")
		return
	}
	if req.SessionID != "" && !validSessionID(req.SessionID) {
		RespondError(c, http.StatusBadRequest, "invalid_session", "Mã phiên không hợp lệ.")
		return
	}
	resp, err := s.Engine.ProcessMessage(c.Request.Context(), req.Message, req.SessionID)
	if err != nil {
		s.respondEngineError(c, err, req.SessionID)
		return
	}
	RespondOK(c, resp)
}

func (s *Server) respondEngineError(c *gin.Context, err error, sessionID string) {
	switch {
	case errors.Is(err, core.ErrMissingSession):
		RespondError(c, http.StatusBadRequest, "missing_session", "Thiếu mã phiên trò chuyện.")
	case errors.Is(err, core.ErrEmptyMessage):
		RespondError(c, http.StatusBadRequest, "empty_message", "Vui lòng nhập nội dung tin nhắn.")
	case errors.Is(err, core.ErrMessageTooLong):
		RespondError(c, http.StatusBadRequest, "message_too_long", "Tin nhắn quá dài (tối đa 1000 ký tự).")
	default:
		s.Log.Error("chat request failed", "session_id", sessionID, "error", err)
		RespondError(c, http.StatusInternalServerError, "internal", core.GenericErrorMessage)
	}
}

// History returns every stored turn of a session.
func (s *Server) History(c *gin.Context) {
	id := c.Param("sessionId")
	if !validSessionID(id) {
		RespondError(c, http.StatusBadRequest, "invalid_session", "Mã phiên không hợp lệ.")
		return
	}
	turns, err := s.Engine.History(c.Request.Context(), id)
	if err != nil {
		s.respondEngineError(c, err, id)
		return
	}
	RespondOK(c, gin.H{"sessionId": id, "turns": turns})
}

// Reset deletes the session's turns so the next message starts over.
func (s *Server) Reset(c *gin.Context) {
	var req types.ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil || !validSessionID(req.SessionID) {
		RespondError(c, http.StatusBadRequest, "invalid_session", "Mã phiên không hợp lệ.")
		return
	}
	n, err := s.Engine.ResetSession(c.Request.Context(), req.SessionID)
	if err != nil {
		s.respondEngineError(c, err, req.SessionID)
		return
	}
	RespondOK(c, gin.H{"sessionId": req.SessionID, "deletedTurns": n})
}

// Summary returns the staff handoff note of a completed session.
func (s *Server) Summary(c *gin.Context) {
	id := c.Param("sessionId")
	if !validSessionID(id) {
		RespondError(c, http.StatusBadRequest, "invalid_session", "Mã phiên không hợp lệ.")
		return
	}
	sum, err := s.Store.GetSummary(c.Request.Context(), id)
	if errors.Is(err, types.ErrNotFound) {
		RespondError(c, http.StatusNotFound, "not_found", "Chưa có tóm tắt cho phiên này.")
		return
	}
	if err != nil {
		s.Log.Error("get summary failed", "session_id", id, "error", err)
		RespondError(c, http.StatusInternalServerError, "internal", core.GenericErrorMessage)
		return
	}
	RespondOK(c, sum)
}

func (s *Server) ListDepartments(c *gin.Context) {
	depts, err := s.Store.ActiveDepartments(c.Request.Context())
	if err != nil {
		s.Log.Error("list departments failed", "error", err)
		RespondError(c, http.StatusInternalServerError, "internal", core.GenericErrorMessage)
		return
	}
	if depts == nil {
		depts = []types.Department{}
	}
	RespondOK(c, gin.H{"departments": depts})
}

func (s *Server) GetDepartment(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		RespondError(c, http.StatusBadRequest, "invalid_id", "Mã khoa không hợp lệ.")
		return
	}
	d, err := s.Store.Department(c.Request.Context(), id)
	if errors.Is(err, types.ErrNotFound) {
		RespondError(c, http.StatusNotFound, "not_found", "Không tìm thấy khoa.")
		return
	}
	if err != nil {
		s.Log.Error("get department failed", "department_id", id, "error", err)
		RespondError(c, http.StatusInternalServerError, "internal", core.GenericErrorMessage)
		return
	}
	RespondOK(c, d)
}

// AlertStream pushes triage alerts to the staff dashboard as server-sent
// events until the client disconnects.
func (s *Server) AlertStream(c *gin.Context) {
	if s.Alerts == nil {
		RespondError(c, http.StatusServiceUnavailable, "alerts_disabled", "Luồng cảnh báo chưa được bật.")
		return
	}
	ctx := c.Request.Context()
	alerts, err := s.Alerts.Subscribe(ctx)
	if err != nil {
		s.Log.Error("subscribe alerts failed", "error", err)
		RespondError(c, http.StatusInternalServerError, "internal", core.GenericErrorMessage)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"status": "listening"})
	c.Writer.Flush()

	keepAlive := time.NewTicker(25 * time.Second)
	defer keepAlive.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case a, ok := <-alerts:
			if !ok {
				return false
			}
			c.SSEvent("triage_alert", a)
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
}
