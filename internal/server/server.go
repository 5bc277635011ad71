// Package server exposes the support agent over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/comigor/supportdesk/internal/agent"
	"github.com/comigor/supportdesk/internal/config"
	"github.com/comigor/supportdesk/internal/logger"
	"github.com/comigor/supportdesk/internal/speech"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	maxAudioBytes = 25 << 20
	maxFrameBytes = 64 << 10
)

// Server routes transport requests to the agent.
type Server struct {
	agent        *agent.Agent
	speech       *speech.Service
	requireModel bool
	engine       *gin.Engine
	upgrader     websocket.Upgrader

	// Upload and frame size limits.
	maxAudio int64
	maxFrame int64
}

// New builds the HTTP surface. The agent and speech service are shared by all requests.
func New(a *agent.Agent, sp *speech.Service, cfg config.Config) *Server {
	if sp == nil {
		sp = &speech.Service{}
	}
	s := &Server{
		agent:        a,
		speech:       sp,
		requireModel: cfg.LLM.RequireModel,
		engine:       gin.New(),
		maxAudio:     maxAudioBytes,
		maxFrame:     maxFrameBytes,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // the demo UI is served from another origin
		},
	}
	s.engine.MaxMultipartMemory = maxAudioBytes
	s.engine.Use(gin.Recovery(), requestLogger())

	s.engine.GET("/health", s.handleHealth)
	s.engine.POST("/session/start", s.handleStart)
	s.engine.GET("/session/:id", s.handleGet)
	s.engine.POST("/session/:id/message", s.handleMessage)
	s.engine.POST("/session/:id/audio", s.handleAudio)
	s.engine.POST("/session/:id/save", s.handleSave)
	s.engine.GET("/ws/:id", s.handleWebSocket)
	return s
}

// Mount serves h for every path below prefix.
func (s *Server) Mount(prefix string, h http.Handler) {
	s.engine.Any(prefix+"/*path", gin.WrapH(h))
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.L.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String())
	}
}

// ready fails when a real model is required but could not be loaded.
func (s *Server) ready() error {
	if !s.requireModel {
		return nil
	}
	if ok, reason := s.agent.ModelAvailable(); !ok {
		return fmt.Errorf("LLM not available: %s", reason)
	}
	return nil
}

func abort(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

// fail maps agent errors to HTTP statuses.
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, agent.ErrUnknownSession):
		abort(c, http.StatusNotFound, "Unknown session")
	case errors.Is(err, agent.ErrEmptyInput):
		abort(c, http.StatusBadRequest, "No text provided")
	case errors.Is(err, agent.ErrInvalidSessionID):
		abort(c, http.StatusBadRequest, err.Error())
	default:
		logger.L.Error("request failed", "path", c.Request.URL.Path, "error", err)
		abort(c, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ok, reason := s.agent.ModelAvailable()
	resp := gin.H{"status": "ok", "model": "available"}
	if !ok {
		resp["model"] = "unavailable"
		resp["model_reason"] = reason
	}
	resp["speech_to_text"] = s.speech.STT.Available()
	resp["text_to_speech"] = s.speech.TTS.Available()
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStart(c *gin.Context) {
	if err := s.ready(); err != nil {
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	sid := uuid.NewString()
	if err := s.agent.StartSession(c.Request.Context(), sid); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sid})
}

func (s *Server) handleGet(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.agent.Session(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sess.ID,
		"created_at": sess.CreatedAt,
		"state":      s.agent.State(c.Request.Context(), id),
		"turns":      sess.Turns,
	})
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleMessage(c *gin.Context) {
	if err := s.ready(); err != nil {
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "No text provided")
		return
	}
	if req.Text == "" {
		abort(c, http.StatusBadRequest, "No text provided")
		return
	}

	reply, err := s.agent.AddUserMessage(c.Request.Context(), c.Param("id"), req.Text)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply.Text, "source": reply.Source})
}

func (s *Server) handleAudio(c *gin.Context) {
	if err := s.ready(); err != nil {
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	id := c.Param("id")
	ctx := c.Request.Context()
	log := logger.Session(id)

	stt, ok := s.speech.STT.Get()
	if !ok {
		abort(c, http.StatusServiceUnavailable, "Speech-to-text not available: "+s.speech.STT.Reason())
		return
	}
	if s.agent.State(ctx, id) == agent.StateNone {
		fail(c, agent.ErrUnknownSession)
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		abort(c, http.StatusBadRequest, "No audio file provided")
		return
	}
	if fh.Size > s.maxAudio {
		abort(c, http.StatusRequestEntityTooLarge, "Audio file too large")
		return
	}
	f, err := fh.Open()
	if err != nil {
		abort(c, http.StatusBadRequest, "Unreadable audio file")
		return
	}
	audio, err := io.ReadAll(io.LimitReader(f, s.maxAudio+1))
	f.Close()
	if err != nil {
		abort(c, http.StatusBadRequest, "Unreadable audio file")
		return
	}
	if int64(len(audio)) > s.maxAudio {
		abort(c, http.StatusRequestEntityTooLarge, "Audio file too large")
		return
	}
	if len(audio) == 0 {
		abort(c, http.StatusBadRequest, "Empty audio file")
		return
	}

	transcript, err := stt.Transcribe(ctx, audio, fh.Filename)
	if err != nil {
		log.Error("transcription failed", "error", err)
		abort(c, http.StatusBadGateway, "Transcription failed")
		return
	}

	reply, err := s.agent.AddUserMessage(ctx, id, transcript)
	if err != nil {
		fail(c, err)
		return
	}

	resp := gin.H{"transcript": transcript, "reply": reply.Text, "source": reply.Source}
	if tts, ok := s.speech.TTS.Get(); ok {
		wav, err := tts.Synthesize(ctx, reply.Text)
		if err != nil {
			log.Warn("speech synthesis failed", "error", err)
		} else {
			resp["wav"] = wav
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSave(c *gin.Context) {
	res, err := s.agent.SaveChat(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
