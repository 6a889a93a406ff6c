package mesh

import (
	"sort"
	"strings"
	"sync"

	"liquidity-router/internal/apperr"
	"liquidity-router/internal/liquidity"
)

// Registry 按名称保存流动性场所，重名注册会被拒绝。
type Registry struct {
	mu        sync.RWMutex
	providers map[string]liquidity.Provider
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]liquidity.Provider)}
}

// Register 注册场所；名称已存在时返回 DuplicateProvider。
func (r *Registry) Register(p liquidity.Provider) error {
	name, err := providerName(p)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return apperr.New(apperr.CodeDuplicateProvider, "场所 %q 已注册", name)
	}
	r.providers[name] = p
	return nil
}

// Replace 显式替换同名场所，返回是否覆盖了已有实例。
func (r *Registry) Replace(p liquidity.Provider) (bool, error) {
	name, err := providerName(p)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.providers[name]
	r.providers[name] = p
	return exists, nil
}

// Deregister 移除场所。
func (r *Registry) Deregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; !exists {
		return false
	}
	delete(r.providers, name)
	return true
}

// Get 返回指定场所。
func (r *Registry) Get(name string) (liquidity.Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.CodeProviderNotFound, "场所 %q 未注册", name)
	}
	return p, nil
}

// List 返回按名称排序的全部场所快照。
func (r *Registry) List() []liquidity.Provider {
	r.mu.RLock()
	out := make([]liquidity.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len 返回已注册场所数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

func providerName(p liquidity.Provider) (string, error) {
	if p == nil {
		return "", apperr.New(apperr.CodeInvalidInput, "场所不能为空")
	}
	name := p.Name()
	if strings.TrimSpace(name) == "" {
		return "", apperr.New(apperr.CodeInvalidInput, "场所名称不能为空")
	}
	return name, nil
}
