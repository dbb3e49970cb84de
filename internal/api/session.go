package api

import (
	"fmt"
	"strings"
	"sync"

	"vectorkb/internal/domain/kb"
	applog "vectorkb/internal/platform/log"
)

// Deps 一套可用的知识库组件。由启动代码或运行时重配置构建。
type Deps struct {
	Files     kb.FileAPI
	Stores    kb.StoreAPI
	Batches   *kb.BatchController
	Retrieval *kb.RetrievalPipeline
	Assistant *kb.Assistant
	Registry  *kb.FileRegistry
	Probes    *kb.ProbeRegistry
	Audit     kb.AuditStore // 可选
}

// RebuildFunc 按新凭证重建组件。POST /api/config 换 key 时调用。
type RebuildFunc func(apiKey, baseURL string) (*Deps, error)

// Session 服务的运行时状态：组件集合 + 当前向量库 + 模型覆盖。
// 所有读写都经互斥锁，handler 之间不共享裸的可变字段。
type Session struct {
	mu      sync.RWMutex
	deps    *Deps
	rebuild RebuildFunc

	storeID string // 当前向量库，空=未选择
	model   string // 模型覆盖，空=用默认
}

// NewSession 创建会话。deps 为 nil 表示启动时未配置凭证，
// 需要通过 /api/config 配置后才能使用。
func NewSession(deps *Deps, rebuild RebuildFunc) *Session {
	return &Session{
		deps:    deps,
		rebuild: rebuild,
	}
}

// Configured 是否已有可用组件
func (s *Session) Configured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deps != nil
}

// Deps 当前组件集合，未配置时返回 nil
func (s *Session) Deps() *Deps {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deps
}

// Configure 运行时重配置。apiKey 非空时重建组件；
// model / storeID 非空时覆盖对应会话状态。
func (s *Session) Configure(apiKey, baseURL, model, storeID string) error {
	if strings.TrimSpace(apiKey) != "" {
		if s.rebuild == nil {
			return fmt.Errorf("runtime reconfiguration is not enabled")
		}
		deps, err := s.rebuild(apiKey, baseURL)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.deps = deps
		s.mu.Unlock()
		applog.Info("[API] Session reconfigured with new credentials")
	}

	s.mu.Lock()
	if strings.TrimSpace(model) != "" {
		s.model = model
	}
	if strings.TrimSpace(storeID) != "" {
		s.storeID = storeID
	}
	s.mu.Unlock()
	return nil
}

// SetVectorStore 切换当前向量库
func (s *Session) SetVectorStore(storeID string) {
	s.mu.Lock()
	s.storeID = storeID
	s.mu.Unlock()
}

// VectorStore 当前向量库 ID，空=未选择
func (s *Session) VectorStore() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storeID
}

// Model 会话级模型覆盖，空=用默认
func (s *Session) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}
