package profile

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"strata/internal/config"
	"strata/internal/logger"
	"strata/internal/structure"
)

// Router 暴露 profiles.yaml 的增删改查接口，
// 让前端不重启进程就能调整各符号的检测参数。
type Router struct {
	store *config.ProfileStore
	base  structure.Params
}

// NewRouter base 是主配置里的检测参数，校验覆盖时作为叠加底座。
func NewRouter(store *config.ProfileStore, base structure.Params) *Router {
	return &Router{store: store, base: base}
}

// Register 挂载路由。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("", r.handleList)
	group.GET("/:name", r.handleGet)
	group.POST("", r.handleCreate)
	group.PUT("/:name", r.handleUpdate)
	group.DELETE("/:name", r.handleDelete)
	group.GET("/resolve/:symbol", r.handleResolve)
}

// ProfileResponse 是单个 profile 的接口形态。
type ProfileResponse struct {
	Name     string                 `json:"name"`
	Symbols  []string               `json:"symbols"`
	Interval string                 `json:"interval,omitempty"`
	Detector map[string]interface{} `json:"detector,omitempty"`
	Default  bool                   `json:"default"`
}

// ProfileRequest 是创建/更新的请求体；detector 只写差异字段。
type ProfileRequest struct {
	Symbols  []string               `json:"symbols"`
	Interval string                 `json:"interval,omitempty"`
	Detector map[string]interface{} `json:"detector,omitempty"`
	Default  bool                   `json:"default"`
}

// ProfileCreateRequest 额外携带名称，支持从既有 profile 复制。
type ProfileCreateRequest struct {
	Name     string `json:"name"`
	CopyFrom string `json:"copy_from,omitempty"`
	ProfileRequest
}

func (r *Router) handleList(c *gin.Context) {
	cfg, err := r.store.Read()
	if err != nil {
		logger.Errorf("[profile-api] list failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	var profiles []ProfileResponse
	for name, entry := range cfg.Profiles {
		profiles = append(profiles, entryToResponse(name, entry))
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	c.JSON(http.StatusOK, gin.H{"profiles": profiles})
}

func (r *Router) handleGet(c *gin.Context) {
	name := c.Param("name")
	entry, err := r.store.Get(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entryToResponse(name, *entry))
}

func (r *Router) handleCreate(c *gin.Context) {
	var req ProfileCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误: " + err.Error()})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "profile 名称不能为空"})
		return
	}
	for _, ch := range name {
		if !((ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '_') {
			c.JSON(http.StatusBadRequest, gin.H{"error": "profile 名称只能包含字母、数字和下划线"})
			return
		}
	}

	cfg, err := r.store.Read()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, exists := cfg.Profiles[name]; exists {
		c.JSON(http.StatusConflict, gin.H{"error": "profile 已存在"})
		return
	}

	var entry config.Profile
	if req.CopyFrom != "" {
		source, ok := cfg.Profiles[req.CopyFrom]
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "源 profile 不存在"})
			return
		}
		entry = source
		entry.Default = false
	}
	if err := applyRequest(&entry, req.ProfileRequest, r.base); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := r.store.Update(name, entry); err != nil {
		logger.Errorf("[profile-api] create failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[profile-api] profile '%s' created by %s", name, c.ClientIP())
	c.JSON(http.StatusCreated, gin.H{"success": true, "name": name})
}

func (r *Router) handleUpdate(c *gin.Context) {
	name := c.Param("name")
	var req ProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误: " + err.Error()})
		return
	}
	entry, err := r.store.Get(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err := applyRequest(entry, req, r.base); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := r.store.Update(name, *entry); err != nil {
		logger.Errorf("[profile-api] update failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[profile-api] profile '%s' updated by %s", name, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (r *Router) handleDelete(c *gin.Context) {
	name := c.Param("name")
	if err := r.store.Delete(name); err != nil {
		logger.Errorf("[profile-api] delete failed: %v", err)
		switch {
		case strings.Contains(err.Error(), "不存在"):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case strings.Contains(err.Error(), "唯一"):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	logger.Infof("[profile-api] profile '%s' deleted by %s", name, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleResolve 返回某个符号叠加 profile 后实际生效的检测参数。
func (r *Router) handleResolve(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 symbol"})
		return
	}
	params, err := r.store.ResolveParams(symbol, r.base)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "params": params})
}

// applyRequest 把请求体写入 profile，并预演一次参数叠加校验，
// 病态的 detector 覆盖在写盘前就被拒绝。
func applyRequest(entry *config.Profile, req ProfileRequest, base structure.Params) error {
	if len(req.Symbols) > 0 {
		entry.Symbols = normalizeSymbols(req.Symbols)
	}
	if req.Interval != "" {
		entry.Interval = strings.ToLower(strings.TrimSpace(req.Interval))
	}
	entry.Default = req.Default
	if len(req.Detector) > 0 {
		var node yaml.Node
		if err := node.Encode(normalizeNumbers(req.Detector)); err != nil {
			return err
		}
		merged := base
		if err := node.Decode(&merged); err != nil {
			return err
		}
		if err := merged.Validate(); err != nil {
			return err
		}
		entry.Detector = node
	}
	return nil
}

func entryToResponse(name string, entry config.Profile) ProfileResponse {
	resp := ProfileResponse{
		Name:     name,
		Symbols:  entry.Symbols,
		Interval: entry.Interval,
		Default:  entry.Default,
	}
	if !entry.Detector.IsZero() {
		var m map[string]interface{}
		if err := entry.Detector.Decode(&m); err == nil {
			resp.Detector = m
		}
	}
	return resp
}

// normalizeNumbers JSON 的数字一律是 float64，整数值转回 int，
// 否则 yaml 解码进 int 字段会失败。
func normalizeNumbers(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			out[k] = int64(f)
			continue
		}
		out[k] = v
	}
	return out
}

func normalizeSymbols(symbols []string) []string {
	var out []string
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
