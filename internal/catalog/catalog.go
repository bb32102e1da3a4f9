package catalog

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind 区分数字商品与实物商品。
type Kind string

const (
	KindDigital  Kind = "digital"
	KindPhysical Kind = "physical"
)

// Label 返回商品类型的中文名称。
func (k Kind) Label() string {
	if k == KindPhysical {
		return "实物"
	}
	return "数字商品"
}

// Product 描述店铺中的一件商品。
type Product struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Kind        Kind     `yaml:"kind" json:"kind"`
	PriceUSDC   string   `yaml:"price_usdc" json:"priceUSDC"`
	DemoReady   bool     `yaml:"demo_ready" json:"demoReady"`
	Inventory   string   `yaml:"inventory" json:"inventory"`
	LeadTime    string   `yaml:"lead_time" json:"leadTime"`
	TokenID     int64    `yaml:"token_id" json:"tokenId"`
	Description string   `yaml:"description" json:"description"`
	Tags        []string `yaml:"tags" json:"tags"`
	Highlights  []string `yaml:"highlights" json:"highlights"`
}

// Price 解析标价。
func (p Product) Price() (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(p.PriceUSDC))
}

// InventoryLabel 返回库存状态的中文描述。
func (p Product) InventoryLabel() string {
	switch p.Inventory {
	case "in_stock":
		return "库存充足"
	case "limited":
		return "限量"
	case "preorder":
		return "预售"
	default:
		return p.Inventory
	}
}

func (p Product) searchText() string {
	return strings.Join([]string{p.Name, p.Description, strings.Join(p.Tags, " "), strings.Join(p.Highlights, " ")}, " ")
}

// Store 描述一个店铺及其卖家 Agent。
type Store struct {
	ID              string    `yaml:"id" json:"id"`
	Name            string    `yaml:"name" json:"name"`
	Tagline         string    `yaml:"tagline" json:"tagline"`
	Location        string    `yaml:"location" json:"location"`
	Verified        bool      `yaml:"verified" json:"verified"`
	Rating          float64   `yaml:"rating" json:"rating"`
	Orders          int       `yaml:"orders" json:"orders"`
	ResponseMins    int       `yaml:"response_mins" json:"responseMins"`
	Categories      []string  `yaml:"categories" json:"categories"`
	SellerAgentName string    `yaml:"seller_agent_name" json:"sellerAgentName"`
	SellerStyle     string    `yaml:"seller_style" json:"sellerStyle"`
	Products        []Product `yaml:"products" json:"products,omitempty"`
}

// HasDemoReady 判断店铺是否有可上链演示的商品。
func (s Store) HasDemoReady() bool {
	for _, p := range s.Products {
		if p.DemoReady {
			return true
		}
	}
	return false
}

func (s Store) searchText() string {
	parts := []string{s.Name, s.Tagline, s.Location, strings.Join(s.Categories, " ")}
	for _, p := range s.Products {
		parts = append(parts, p.searchText())
	}
	return strings.Join(parts, " ")
}

// StoreMatch 是带相关度得分的店铺检索结果。
type StoreMatch struct {
	Store Store
	Score int
}

// ProductMatch 是带相关度得分的商品检索结果。
type ProductMatch struct {
	Product Product
	Score   int
}

// Catalog 是商品目录的检索接口，结果按得分降序排列。
type Catalog interface {
	SearchStores(ctx context.Context, query string, limit int) ([]StoreMatch, error)
	SearchProducts(ctx context.Context, storeID, query string, limit int) ([]ProductMatch, error)
}
