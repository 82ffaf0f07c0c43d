// Package asset 维护资产符号到精度与编号的映射，支持运行时上新
package asset

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound 资产不存在
	ErrNotFound = errors.New("asset not found")
	// ErrDuplicate 资产已存在
	ErrDuplicate = errors.New("asset already exists")
	// ErrInvalid 资产参数非法
	ErrInvalid = errors.New("invalid asset")
)

// Asset 资产定义
type Asset struct {
	ID        uint32          `json:"id" mapstructure:"id"`
	Symbol    string          `json:"name" mapstructure:"name"`
	Prec      int             `json:"prec_save" mapstructure:"prec_save"`
	ShowPrec  int             `json:"prec_show" mapstructure:"prec_show"`
	MinAmount decimal.Decimal `json:"min_amount" mapstructure:"min_amount"`
}

// Registry 资产注册表，读多写少
type Registry struct {
	mu     sync.RWMutex
	assets map[string]Asset
	lastID uint32
}

// NewRegistry 创建空的资产注册表
func NewRegistry() *Registry {
	return &Registry{assets: make(map[string]Asset)}
}

// Register 注册新资产，ID 为 0 时自动分配
func (r *Registry) Register(a Asset) (Asset, error) {
	if err := validate(a); err != nil {
		return Asset{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.assets[a.Symbol]; ok {
		return Asset{}, errors.Wrapf(ErrDuplicate, "asset %s", a.Symbol)
	}
	r.insert(&a)
	return a, nil
}

// Update 插入或更新资产，已存在的资产保留原编号
func (r *Registry) Update(a Asset) (Asset, error) {
	if err := validate(a); err != nil {
		return Asset{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.assets[a.Symbol]; ok {
		a.ID = old.ID
		r.assets[a.Symbol] = a
		return a, nil
	}
	r.insert(&a)
	return a, nil
}

func (r *Registry) insert(a *Asset) {
	if a.ID == 0 {
		a.ID = r.lastID + 1
	}
	if a.ID > r.lastID {
		r.lastID = a.ID
	}
	a.MinAmount = a.MinAmount.Round(int32(a.Prec))
	r.assets[a.Symbol] = *a
}

func validate(a Asset) error {
	if a.Symbol == "" {
		return errors.Wrap(ErrInvalid, "empty symbol")
	}
	if a.Prec < 0 || a.ShowPrec < 0 {
		return errors.Wrapf(ErrInvalid, "asset %s negative precision", a.Symbol)
	}
	return nil
}

// Exists 判断资产是否存在
func (r *Registry) Exists(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.assets[symbol]
	return ok
}

// Get 获取资产定义
func (r *Registry) Get(symbol string) (Asset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assets[symbol]
	return a, ok
}

// Prec 存储精度
func (r *Registry) Prec(symbol string) (int, error) {
	a, ok := r.Get(symbol)
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "asset %s", symbol)
	}
	return a.Prec, nil
}

// ShowPrec 展示精度
func (r *Registry) ShowPrec(symbol string) (int, error) {
	a, ok := r.Get(symbol)
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "asset %s", symbol)
	}
	return a.ShowPrec, nil
}

// ID 资产编号，调用方必须先用 Exists 确认资产存在
func (r *Registry) ID(symbol string) uint32 {
	a, ok := r.Get(symbol)
	if !ok {
		panic(fmt.Sprintf("asset: ID called for unregistered asset %q", symbol))
	}
	return a.ID
}

// List 按编号排序返回全部资产
func (r *Registry) List() []Asset {
	r.mu.RLock()
	list := make([]Asset, 0, len(r.assets))
	for _, a := range r.assets {
		list = append(list, a)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}
