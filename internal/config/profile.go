package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"strata/internal/structure"
)

// ProfileFile 是 profiles.yaml 的顶层结构。
type ProfileFile struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// Profile 按符号分组的检测参数覆盖。
// Detector 是部分覆盖：只写差异字段，解析时叠加在主配置默认参数之上。
type Profile struct {
	Symbols  []string  `yaml:"symbols,omitempty"`
	Interval string    `yaml:"interval,omitempty"`
	Detector yaml.Node `yaml:"detector,omitempty"`
	Default  bool      `yaml:"default,omitempty"`
}

// ProfileStore 负责 profiles.yaml 的读写与按符号解析。
type ProfileStore struct {
	path string
	mu   sync.RWMutex
}

func NewProfileStore(path string) *ProfileStore {
	return &ProfileStore{path: path}
}

// Path 返回 profiles.yaml 的路径。
func (s *ProfileStore) Path() string { return s.path }

// Read 读取当前内容；文件不存在视为空配置而非错误。
func (s *ProfileStore) Read() (*ProfileFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked()
}

func (s *ProfileStore) readLocked() (*ProfileFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ProfileFile{Profiles: make(map[string]Profile)}, nil
		}
		return nil, fmt.Errorf("读取 profiles 失败: %w", err)
	}
	var cfg ProfileFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析 profiles 失败: %w", err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]Profile)
	}
	return &cfg, nil
}

// Write 先备份再原子替换（临时文件 + rename）。
func (s *ProfileStore) Write(cfg *ProfileFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backup(); err != nil {
		return fmt.Errorf("备份失败: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化 profiles 失败: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("替换配置文件失败: %w", err)
	}
	return nil
}

func (s *ProfileStore) backup() error {
	src, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer src.Close()

	backupDir := filepath.Join(filepath.Dir(s.path), "backups")
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return err
	}
	timestamp := time.Now().Format("20060102_150405")
	backupPath := filepath.Join(backupDir, fmt.Sprintf("profiles_%s.yaml", timestamp))
	dst, err := os.Create(backupPath)
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	s.cleanOldBackups(backupDir, 10)
	return nil
}

func (s *ProfileStore) cleanOldBackups(dir string, keep int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var backups []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "profiles_") && strings.HasSuffix(e.Name(), ".yaml") {
			backups = append(backups, filepath.Join(dir, e.Name()))
		}
	}
	if len(backups) <= keep {
		return
	}
	sort.Strings(backups)
	for i := 0; i < len(backups)-keep; i++ {
		os.Remove(backups[i])
	}
}

// Get 返回单个 profile。
func (s *ProfileStore) Get(name string) (*Profile, error) {
	cfg, err := s.Read()
	if err != nil {
		return nil, err
	}
	p, ok := cfg.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile '%s' 不存在", name)
	}
	return &p, nil
}

// Update 更新或新建 profile。
func (s *ProfileStore) Update(name string, p Profile) error {
	cfg, err := s.Read()
	if err != nil {
		return err
	}
	cfg.Profiles[name] = p
	return s.Write(cfg)
}

// Delete 删除 profile；最后一个不允许删除。
func (s *ProfileStore) Delete(name string) error {
	cfg, err := s.Read()
	if err != nil {
		return err
	}
	if _, ok := cfg.Profiles[name]; !ok {
		return fmt.Errorf("profile '%s' 不存在", name)
	}
	if len(cfg.Profiles) <= 1 {
		return fmt.Errorf("不能删除唯一的 profile")
	}
	delete(cfg.Profiles, name)
	return s.Write(cfg)
}

// ResolveParams 解析某个符号生效的检测参数：
// 优先取 symbols 中精确列出该符号的 profile，否则取 default profile，
// 都没有时原样返回 base。覆盖结果仍要通过参数校验。
func (s *ProfileStore) ResolveParams(symbol string, base structure.Params) (structure.Params, error) {
	cfg, err := s.Read()
	if err != nil {
		return structure.Params{}, err
	}

	pick, found := pickProfile(cfg, symbol)
	if !found || pick.Detector.IsZero() {
		return base, nil
	}
	merged := base
	if err := pick.Detector.Decode(&merged); err != nil {
		return structure.Params{}, fmt.Errorf("profile 检测参数解析失败: %w", err)
	}
	if err := merged.Validate(); err != nil {
		return structure.Params{}, fmt.Errorf("profile 覆盖后参数非法: %w", err)
	}
	return merged, nil
}

func pickProfile(cfg *ProfileFile, symbol string) (Profile, bool) {
	// 名字排序保证同名冲突时的确定性
	names := make([]string, 0, len(cfg.Profiles))
	for name := range cfg.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	var fallback Profile
	var hasFallback bool
	for _, name := range names {
		p := cfg.Profiles[name]
		for _, sym := range p.Symbols {
			if strings.EqualFold(sym, symbol) {
				return p, true
			}
		}
		if p.Default && !hasFallback {
			fallback = p
			hasFallback = true
		}
	}
	return fallback, hasFallback
}
