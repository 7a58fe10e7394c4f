package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/kioskvote/internal/biometric"
	"github.com/lvdashuaibi/kioskvote/internal/kiosk"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Kiosk 前端驱动的状态机操作
type Kiosk interface {
	State(ctx context.Context) kiosk.View
	ScanTag(ctx context.Context, tag string) error
	VerifyFace(ctx context.Context, live biometric.Descriptor, userAgent string) error
	SelectElection(ctx context.Context, electionID string) error
	Choose(position, candidateID string) error
	RequestAbstain(position string) error
	ConfirmAbstain() error
	CancelAbstain() error
	SubmitBallot() error
	EditBallot() error
	ConfirmReview() error
	Continue() error
	ConfirmFinal(ctx context.Context) error
	DismissWarning()
	Reset(ctx context.Context) error
}

var errBadRequest = errors.New("invalid request body")

// Server 终端前端使用的HTTP接口
type Server struct {
	kiosk  Kiosk
	engine *gin.Engine
	log    *zap.Logger
}

// NewServer gatherer为nil时不暴露/metrics
func NewServer(k Kiosk, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log))

	s := &Server{kiosk: k, engine: engine, log: log}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	g := engine.Group("/kiosk")
	g.GET("/state", s.handleState)
	g.POST("/rfid", s.handleRFID)
	g.POST("/face", s.handleFace)
	g.POST("/elections/:id/select", s.handleSelectElection)
	g.POST("/ballot/choose", s.handleChoose)
	g.POST("/ballot/abstain", s.handleAbstain)
	g.POST("/ballot/abstain/confirm", s.simple(k.ConfirmAbstain))
	g.POST("/ballot/abstain/cancel", s.simple(k.CancelAbstain))
	g.POST("/ballot/submit", s.simple(k.SubmitBallot))
	g.POST("/review/edit", s.simple(k.EditBallot))
	g.POST("/review/confirm", s.simple(k.ConfirmReview))
	g.POST("/continue", s.simple(k.Continue))
	g.POST("/final/confirm", s.withContext(k.ConfirmFinal))
	g.POST("/warning/dismiss", s.simple(func() error { k.DismissWarning(); return nil }))
	g.POST("/reset", s.withContext(k.Reset))

	return s
}

// Engine 用于挂载其他处理器
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run 阻塞直到ctx取消，然后优雅关闭
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP服务已启动", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http请求",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) respond(c *gin.Context, err error) {
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.kiosk.State(c.Request.Context()))
}

func (s *Server) simple(fn func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.respond(c, fn())
	}
}

func (s *Server) withContext(fn func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.respond(c, fn(c.Request.Context()))
	}
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.kiosk.State(c.Request.Context()))
}

type rfidRequest struct {
	Tag string `json:"tag"`
}

func (s *Server) handleRFID(c *gin.Context) {
	var req rfidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errBadRequest)
		return
	}
	tag, ok := biometric.NormalizeTag(req.Tag)
	if !ok {
		s.writeError(c, fmt.Errorf("%w: tag too short", errBadRequest))
		return
	}
	s.respond(c, s.kiosk.ScanTag(c.Request.Context(), tag))
}

type faceRequest struct {
	Descriptor []float64 `json:"descriptor"`
	UserAgent  string    `json:"user_agent"`
}

func (s *Server) handleFace(c *gin.Context) {
	var req faceRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Descriptor) == 0 {
		s.writeError(c, errBadRequest)
		return
	}
	ua := req.UserAgent
	if ua == "" {
		ua = c.Request.UserAgent()
	}
	s.respond(c, s.kiosk.VerifyFace(c.Request.Context(), biometric.Descriptor(req.Descriptor), ua))
}

func (s *Server) handleSelectElection(c *gin.Context) {
	s.respond(c, s.kiosk.SelectElection(c.Request.Context(), c.Param("id")))
}

type chooseRequest struct {
	Position    string `json:"position" binding:"required"`
	CandidateID string `json:"candidate_id" binding:"required"`
}

func (s *Server) handleChoose(c *gin.Context) {
	var req chooseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errBadRequest)
		return
	}
	s.respond(c, s.kiosk.Choose(req.Position, req.CandidateID))
}

type abstainRequest struct {
	Position string `json:"position" binding:"required"`
}

func (s *Server) handleAbstain(c *gin.Context) {
	var req abstainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errBadRequest)
		return
	}
	s.respond(c, s.kiosk.RequestAbstain(req.Position))
}

// writeError 错误代码、提示和当前视图一起返回，前端据此切换页面
func (s *Server) writeError(c *gin.Context, err error) {
	code, message := kiosk.ErrorCode(err), kiosk.ErrorMessage(err)
	if errors.Is(err, errBadRequest) {
		code, message = "invalid_request", err.Error()
	}
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": message,
		"state":   s.kiosk.State(c.Request.Context()),
	})
}

func statusFor(code string) int {
	switch code {
	case "invalid_request", "no_selection", "unknown_candidate", "abstain_not_pending":
		return http.StatusBadRequest
	case "face_mismatch":
		return http.StatusUnauthorized
	case "not_registered":
		return http.StatusNotFound
	case "no_biometric_data":
		return http.StatusUnprocessableEntity
	case "invalid_transition", "session_active", "election_completed", "election_not_open":
		return http.StatusConflict
	case "session_lost":
		return http.StatusGone
	}
	return http.StatusInternalServerError
}
