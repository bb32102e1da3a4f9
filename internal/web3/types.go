package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot 汇总链的基本信息，用于发现阶段展示。
type ChainSnapshot struct {
	Name        string `json:"name,omitempty"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// Client 是测试网发现阶段使用的只读链访问接口。
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	HasCode(ctx context.Context, addr common.Address) (bool, error)
	Close()
}
