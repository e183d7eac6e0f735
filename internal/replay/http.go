package replay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"strata/internal/gateway/database"
	"strata/internal/replay/ui"

	"github.com/gin-gonic/gin"
)

// RouteRegistrar 把一组路由挂到指定分组上，用于插入外部模块的接口。
type RouteRegistrar interface {
	Register(group *gin.RouterGroup)
}

// HTTPServer 提供 Gin 接口，供前端提交回放/查询进度/订阅事件流。
type HTTPServer struct {
	addr       string
	svc        *Service
	router     *gin.Engine
	indexHTML  []byte
	profiles   RouteRegistrar
	liveStatus func() interface{}
}

type HTTPConfig struct {
	Addr string
	Svc  *Service
	// Profiles 可选，挂载 /api/profiles。
	Profiles RouteRegistrar
	// LiveStatus 可选，挂载 GET /api/live 返回实时引擎状态。
	LiveStatus func() interface{}
}

func NewHTTPServer(cfg HTTPConfig) (*HTTPServer, error) {
	if cfg.Svc == nil {
		return nil, errors.New("service 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8787"
	}
	staticFS, err := ui.StaticFS()
	if err != nil {
		return nil, fmt.Errorf("加载前端静态资源失败: %w", err)
	}
	indexHTML, err := ui.Index()
	if err != nil {
		return nil, fmt.Errorf("加载前端首页失败: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.StaticFS("/static", staticFS)

	s := &HTTPServer{
		addr:       cfg.Addr,
		svc:        cfg.Svc,
		router:     router,
		indexHTML:  indexHTML,
		profiles:   cfg.Profiles,
		liveStatus: cfg.LiveStatus,
	}
	s.registerRoutes()
	return s, nil
}

func (s *HTTPServer) registerRoutes() {
	s.router.GET("/", s.handleIndex)
	s.router.GET("/ws", s.handleWS)
	api := s.router.Group("/api/replay")
	api.POST("/jobs", s.handleSubmit)
	api.GET("/jobs", s.handleJobs)
	api.GET("/jobs/:id", s.handleJobStatus)
	api.DELETE("/jobs/:id", s.handleCancel)
	api.GET("/jobs/:id/structure", s.handleStructure)
	api.GET("/jobs/:id/chart", s.handleChart)
	api.GET("/runs", s.handleRuns)
	api.GET("/runs/:id/events", s.handleEvents)
	api.GET("/runs/:id/bars", s.handleRunBars)
	api.GET("/runs/:id/annotations", s.handleAnnotations)
	api.POST("/annotations", s.handleAnnotate)
	api.DELETE("/annotations/:id", s.handleDeleteAnnotation)
	api.GET("/candles", s.handleCandles)
	api.GET("/brief", s.handleBrief)
	api.POST("/verify", s.handleVerify)

	if s.profiles != nil {
		s.profiles.Register(s.router.Group("/api/profiles"))
	}
	if s.liveStatus != nil {
		s.router.GET("/api/live", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"symbols": s.liveStatus()})
		})
	}
}

func (s *HTTPServer) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", s.indexHTML)
}

func (s *HTTPServer) handleWS(c *gin.Context) {
	s.svc.Hub().Serve(c.Writer, c.Request)
}

func (s *HTTPServer) handleSubmit(c *gin.Context) {
	var req struct {
		Symbol        string  `json:"symbol" binding:"required"`
		Interval      string  `json:"interval" binding:"required"`
		StartTS       int64   `json:"start_ts" binding:"required"`
		EndTS         int64   `json:"end_ts" binding:"required"`
		Speed         float64 `json:"speed"`
		SnapshotEvery int64   `json:"snapshot_every"`
		ResumeFrom    string  `json:"resume_from"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.svc.SubmitReplay(Params{
		Symbol:        req.Symbol,
		Interval:      req.Interval,
		Start:         req.StartTS,
		End:           req.EndTS,
		Speed:         req.Speed,
		SnapshotEvery: req.SnapshotEvery,
		ResumeFrom:    req.ResumeFrom,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *HTTPServer) handleJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.svc.JobsSnapshot()})
}

func (s *HTTPServer) handleJobStatus(c *gin.Context) {
	id := c.Param("id")
	job, ok := s.svc.JobSnapshot(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *HTTPServer) handleCancel(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.svc.JobSnapshot(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err := s.svc.CancelJob(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "canceling"})
}

func (s *HTTPServer) handleStructure(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.svc.JobSnapshot(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	view, err := s.svc.StructureState(id)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"structure": view})
}

func (s *HTTPServer) handleChart(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.svc.JobSnapshot(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	var buf bytes.Buffer
	if err := s.svc.ChartHTML(c.Request.Context(), &buf, id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func (s *HTTPServer) handleRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	runs, err := s.svc.Runs(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *HTTPServer) handleEvents(c *gin.Context) {
	runID := c.Param("id")
	fromSeq, _ := strconv.ParseInt(c.Query("from_seq"), 10, 64)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "500"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	records, err := s.svc.EventsPage(c.Request.Context(), runID, fromSeq, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": records})
}

func (s *HTTPServer) handleRunBars(c *gin.Context) {
	runID := c.Param("id")
	from, _ := strconv.ParseInt(c.Query("from"), 10, 64)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "1000"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	bars, err := s.svc.RunBars(c.Request.Context(), runID, from, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bars": bars})
}

func (s *HTTPServer) handleAnnotations(c *gin.Context) {
	runID := c.Param("id")
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "200"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	items, err := s.svc.Annotations(c.Request.Context(), runID, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"annotations": items})
}

func (s *HTTPServer) handleAnnotate(c *gin.Context) {
	var req struct {
		RunID    string  `json:"run_id" binding:"required"`
		LegID    int64   `json:"leg_id"`
		BarIndex int64   `json:"bar_index"`
		Price    float64 `json:"price"`
		Body     string  `json:"body" binding:"required"`
		Author   string  `json:"author"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.svc.Annotate(c.Request.Context(), database.AnnotationRecord{
		RunID:    req.RunID,
		LegID:    req.LegID,
		BarIndex: req.BarIndex,
		Price:    req.Price,
		Body:     req.Body,
		Author:   req.Author,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"annotation": rec})
}

func (s *HTTPServer) handleDeleteAnnotation(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id 非法"})
		return
	}
	if err := s.svc.RemoveAnnotation(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *HTTPServer) handleBrief(c *gin.Context) {
	symbol := c.Query("symbol")
	interval := c.Query("interval")
	if symbol == "" || interval == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/interval 必填"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "200"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	brief, err := s.svc.Brief(c.Request.Context(), symbol, interval, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"brief": brief})
}

func (s *HTTPServer) handleCandles(c *gin.Context) {
	symbol := c.Query("symbol")
	interval := c.Query("interval")
	if symbol == "" || interval == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/interval 必填"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "500"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	data, err := s.svc.QueryCandles(c.Request.Context(), symbol, interval, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candles": data})
}

func (s *HTTPServer) handleVerify(c *gin.Context) {
	var req struct {
		Symbol     string `json:"symbol" binding:"required"`
		Interval   string `json:"interval" binding:"required"`
		StartTS    int64  `json:"start_ts" binding:"required"`
		EndTS      int64  `json:"end_ts" binding:"required"`
		Checkpoint int    `json:"checkpoint"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := s.svc.Verify(c.Request.Context(), VerifyParams{
		Symbol:     req.Symbol,
		Interval:   req.Interval,
		Start:      req.StartTS,
		End:        req.EndTS,
		Checkpoint: req.Checkpoint,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *HTTPServer) Start(ctx context.Context) error {
	go s.svc.Hub().Run(ctx)

	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
