package catalog

// Seed 返回内置示例目录，未配置目录文件时使用。
func Seed() []Store {
	return []Store{
		{
			ID:              "store-forge",
			Name:            "铁匠铺 Forge & Flame",
			Tagline:         "链上游戏武器与装备",
			Location:        "Polygon",
			Verified:        true,
			Rating:          4.8,
			Orders:          1280,
			ResponseMins:    2,
			Categories:      []string{"游戏", "武器", "NFT"},
			SellerAgentName: "铁匠 Agent",
			SellerStyle:     "friendly",
			Products: []Product{
				{
					ID:          "prod-flame-sword",
					Name:        "烈焰之剑",
					Kind:        KindDigital,
					PriceUSDC:   "100",
					DemoReady:   true,
					Inventory:   "in_stock",
					LeadTime:    "即时交付",
					TokenID:     1,
					Description: "附带火焰伤害的传说级单手剑 NFT",
					Tags:        []string{"剑", "武器", "weapon", "sword"},
					Highlights:  []string{"跨链交付", "可交易"},
				},
				{
					ID:          "prod-frost-bow",
					Name:        "霜语长弓",
					Kind:        KindDigital,
					PriceUSDC:   "80",
					Inventory:   "limited",
					LeadTime:    "即时交付",
					TokenID:     2,
					Description: "远程冰霜属性长弓",
					Tags:        []string{"弓", "武器", "weapon", "bow"},
					Highlights:  []string{"限量"},
				},
			},
		},
		{
			ID:              "store-atelier",
			Name:            "像素工坊 Pixel Atelier",
			Tagline:         "数字艺术与头像",
			Location:        "Base",
			Verified:        true,
			Rating:          4.6,
			Orders:          640,
			ResponseMins:    5,
			Categories:      []string{"艺术", "头像", "数字收藏"},
			SellerAgentName: "画师 Agent",
			SellerStyle:     "neutral",
			Products: []Product{
				{
					ID:          "prod-avatar-pack",
					Name:        "赛博头像包",
					Kind:        KindDigital,
					PriceUSDC:   "45",
					Inventory:   "in_stock",
					LeadTime:    "即时交付",
					TokenID:     11,
					Description: "12 张赛博朋克风格头像",
					Tags:        []string{"头像", "avatar", "art"},
					Highlights:  []string{"商用授权"},
				},
			},
		},
		{
			ID:              "store-gear",
			Name:            "硬核装备 Hardcore Gear",
			Tagline:         "实体电竞外设",
			Location:        "深圳",
			Verified:        false,
			Rating:          4.3,
			Orders:          210,
			ResponseMins:    15,
			Categories:      []string{"外设", "键盘", "实物"},
			SellerAgentName: "店长 Agent",
			SellerStyle:     "strict",
			Products: []Product{
				{
					ID:          "prod-keyboard",
					Name:        "机械键盘 K87",
					Kind:        KindPhysical,
					PriceUSDC:   "120",
					Inventory:   "preorder",
					LeadTime:    "7 天发货",
					TokenID:     21,
					Description: "热插拔机械键盘，附带链上保修凭证",
					Tags:        []string{"键盘", "keyboard", "外设"},
					Highlights:  []string{"链上保修"},
				},
			},
		},
	}
}
