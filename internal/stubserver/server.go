// Package stubserver provides a scriptable stand-in for the AI backend:
// a submit endpoint, a poll endpoint, and a websocket push channel. It
// backs the engine's integration tests and the `ragline stub` command.
package stubserver

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ragline/internal/async"
	"ragline/internal/logging"
)

// Config controls stub behavior.
type Config struct {
	// Token, when set, is required on websocket connects.
	Token string
	// RejectSubmissions makes every submit fail with 503.
	RejectSubmissions bool
	// AutoCompleteAfter, when positive, settles each submitted task
	// with AutoResult after the delay (used by `ragline stub`).
	AutoCompleteAfter time.Duration
	AutoResult        string
}

type taskState struct {
	Prompt string
	Status string
	Result any
	Error  string
}

// Server is the scriptable fake backend.
type Server struct {
	cfg    Config
	logger logging.Logger
	router *gin.Engine

	mu    sync.Mutex
	tasks map[string]*taskState
	conns map[*websocket.Conn]struct{}
}

// New builds a stub server.
func New(cfg Config, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		logger: logging.OrNop(logger),
		tasks:  make(map[string]*taskState),
		conns:  make(map[*websocket.Conn]struct{}),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/api/tasks", s.handleSubmit)
	router.GET("/api/tasks/:id", s.handlePoll)
	router.GET("/ws", s.handlePush)
	s.router = router
	return s
}

// Handler exposes the HTTP surface for httptest or ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	if s.cfg.RejectSubmissions {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task queue unavailable"})
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.tasks[id] = &taskState{Prompt: req.Prompt, Status: "queued"}
	s.mu.Unlock()
	s.logger.Debug("stub: task %s queued", id)

	if s.cfg.AutoCompleteAfter > 0 {
		delay := s.cfg.AutoCompleteAfter
		async.Go(s.logger, "stub-autocomplete", func() {
			time.Sleep(delay / 2)
			s.PushProgress(id, "thinking about: "+req.Prompt)
			time.Sleep(delay - delay/2)
			result := s.cfg.AutoResult
			if result == "" {
				result = "stub answer for: " + req.Prompt
			}
			s.CompleteTask(id, result)
		})
	}

	c.JSON(http.StatusOK, gin.H{"taskId": id})
}

func (s *Server) handlePoll(c *gin.Context) {
	id := c.Param("id")

	s.mu.Lock()
	t, ok := s.tasks[id]
	var out gin.H
	if ok {
		out = gin.H{"status": t.Status}
		if t.Result != nil {
			out["result"] = t.Result
		}
		if t.Error != "" {
			out["error"] = t.Error
		}
	}
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, out)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handlePush(c *gin.Context) {
	if s.cfg.Token != "" {
		supplied := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if supplied == "" {
			supplied = c.Query("token")
		}
		if supplied != s.cfg.Token {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad credential"})
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	async.Go(s.logger, "stub-push-read", func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	})
}

// SetStatus scripts the poll endpoint's answer for a task.
func (s *Server) SetStatus(taskID, status string) {
	s.mu.Lock()
	if t, ok := s.tasks[taskID]; ok {
		t.Status = status
	}
	s.mu.Unlock()
}

// CompleteTask marks a task completed for polling and pushes the
// completion frame to every connected client.
func (s *Server) CompleteTask(taskID string, result any) {
	s.mu.Lock()
	if t, ok := s.tasks[taskID]; ok {
		t.Status = "completed"
		t.Result = result
	}
	s.mu.Unlock()
	s.push(map[string]any{"taskId": taskID, "status": "completed", "data": result})
}

// FailTask marks a task errored and pushes the failure frame.
func (s *Server) FailTask(taskID, msg string) {
	s.mu.Lock()
	if t, ok := s.tasks[taskID]; ok {
		t.Status = "error"
		t.Error = msg
	}
	s.mu.Unlock()
	s.push(map[string]any{"taskId": taskID, "status": "error", "error": msg})
}

// PushProgress sends a progress frame without touching poll state.
func (s *Server) PushProgress(taskID, log string) {
	s.push(map[string]any{"stage": taskID, "status": "processing", "log": log})
}

// Broadcast sends a task-free chat message to every client.
func (s *Server) Broadcast(message string) {
	s.push(map[string]any{"message": message})
}

// PushRaw writes arbitrary bytes to every client, for malformed-frame
// scenarios.
func (s *Server) PushRaw(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}

// CloseConnections drops every push connection, simulating a channel
// fault.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

// ConnCount reports connected push clients.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// TaskIDs lists submitted task ids, for tests.
func (s *Server) TaskIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) push(frame map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		if err := conn.WriteJSON(frame); err != nil {
			s.logger.Debug("stub: push write failed: %v", err)
		}
	}
}
