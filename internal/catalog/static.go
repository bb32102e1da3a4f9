package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "AgentMarket/internal/errors"
)

const maxLimit = 20

// StaticCatalog 通过内存中的店铺列表提供检索能力。
type StaticCatalog struct {
	stores       []Store
	defaultLimit int
}

// NewStatic 创建静态目录实例。
func NewStatic(stores []Store, defaultLimit int) *StaticCatalog {
	if defaultLimit <= 0 {
		defaultLimit = 5
	}
	return &StaticCatalog{stores: stores, defaultLimit: defaultLimit}
}

type catalogFile struct {
	Stores []Store `yaml:"stores"`
}

// LoadStatic 从 YAML 文件加载目录；路径为空时使用内置示例数据。
func LoadStatic(path string, defaultLimit int) (*StaticCatalog, error) {
	if strings.TrimSpace(path) == "" {
		return NewStatic(Seed(), defaultLimit), nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析目录路径失败: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取目录文件失败: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析目录文件失败: %w", err)
	}
	if err := validate(file.Stores); err != nil {
		return nil, err
	}
	return NewStatic(file.Stores, defaultLimit), nil
}

func validate(stores []Store) error {
	if len(stores) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "目录中没有店铺")
	}
	seen := make(map[string]struct{}, len(stores))
	for _, s := range stores {
		if s.ID == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "店铺缺少 id")
		}
		if _, dup := seen[s.ID]; dup {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("店铺 id 重复: %s", s.ID))
		}
		seen[s.ID] = struct{}{}
		if len(s.Products) == 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("店铺 %s 没有商品", s.ID))
		}
		for _, p := range s.Products {
			price, err := p.Price()
			if err != nil || !price.IsPositive() {
				return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("商品 %s 标价无效: %q", p.ID, p.PriceUSDC))
			}
		}
	}
	return nil
}

func (c *StaticCatalog) clampLimit(limit int) int {
	if limit <= 0 {
		limit = c.defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

// SearchStores 按相关度返回店铺。
func (c *StaticCatalog) SearchStores(ctx context.Context, query string, limit int) ([]StoreMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matches := make([]StoreMatch, 0, len(c.stores))
	for _, s := range c.stores {
		matches = append(matches, StoreMatch{Store: s, Score: Score(s.searchText(), query)})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if n := c.clampLimit(limit); len(matches) > n {
		matches = matches[:n]
	}
	return matches, nil
}

// SearchProducts 在指定店铺内按相关度返回商品。
func (c *StaticCatalog) SearchProducts(ctx context.Context, storeID, query string, limit int) ([]ProductMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var store *Store
	for i := range c.stores {
		if c.stores[i].ID == storeID {
			store = &c.stores[i]
			break
		}
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("Unknown storeId: %s", storeID))
	}
	matches := make([]ProductMatch, 0, len(store.Products))
	for _, p := range store.Products {
		matches = append(matches, ProductMatch{Product: p, Score: Score(p.searchText(), query)})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if n := c.clampLimit(limit); len(matches) > n {
		matches = matches[:n]
	}
	return matches, nil
}

var _ Catalog = (*StaticCatalog)(nil)
