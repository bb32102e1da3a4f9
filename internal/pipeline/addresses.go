package pipeline

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"AgentMarket/internal/config"
	"AgentMarket/internal/deal"
	"AgentMarket/internal/wallet"
)

// Addresses 是订单中使用的各方地址。缺少真实配置的项由标签派生占位地址。
type Addresses struct {
	Buyer      common.Address
	SellerBase common.Address
	Escrow     common.Address
	NFT        common.Address
	USDC       common.Address
	HasUSDC    bool
	// Missing 列出测试网所需但尚未配置的项，为空表示可以执行真实结算。
	Missing []string
}

// LiveReady 判断测试网结算所需的配置是否齐全。
func (a Addresses) LiveReady() bool {
	return len(a.Missing) == 0
}

// DefaultAddresses 返回纯模拟使用的占位地址。
func DefaultAddresses() Addresses {
	return Addresses{
		Buyer:      deal.PseudoAddress("buyer"),
		SellerBase: deal.PseudoAddress("seller"),
		Escrow:     deal.PseudoAddress("polygonEscrow"),
		NFT:        deal.PseudoAddress("weaponNft"),
		Missing:    []string{"contracts", "buyer_key", "seller_key"},
	}
}

// AddressesFromConfig 合并合约配置与私钥推导出的买卖双方地址。
func AddressesFromConfig(contracts config.ContractAddresses, buyerKey, sellerKey string) Addresses {
	resolved := contracts.Resolve()
	addrs := Addresses{
		Escrow:  deal.NormalizeAddress(resolved.WeaponEscrow, "polygonEscrow"),
		NFT:     deal.NormalizeAddress(resolved.WeaponNFT, "weaponNft"),
		Missing: resolved.Missing(),
	}
	if usdc := strings.TrimSpace(resolved.USDC); common.IsHexAddress(usdc) {
		addrs.USDC = common.HexToAddress(usdc)
		addrs.HasUSDC = true
	}

	if buyer, ok := wallet.AddressFromKey(buyerKey); ok {
		addrs.Buyer = buyer
	} else {
		addrs.Buyer = deal.PseudoAddress("buyer")
		addrs.Missing = append(addrs.Missing, "buyer_key")
	}
	if seller, ok := wallet.AddressFromKey(sellerKey); ok {
		addrs.SellerBase = seller
	} else {
		addrs.SellerBase = deal.PseudoAddress("seller")
		addrs.Missing = append(addrs.Missing, "seller_key")
	}
	return addrs
}
