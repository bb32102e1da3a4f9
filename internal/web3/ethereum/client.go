package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AgentMarket/internal/web3"
)

const erc20BalanceABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

var erc20ABI = mustParseABI(erc20BalanceABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint. HTTP endpoints are dialled lazily
// by go-ethereum, so connectivity problems surface on the first call.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

func (c *Client) backend() (*ethclient.Client, *gethrpc.Client, error) {
	if c == nil {
		return nil, nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth == nil || c.rpcClient == nil {
		return nil, nil, errors.New("以太坊客户端已关闭")
	}
	return c.eth, c.rpcClient, nil
}

// FetchChainSnapshot 通过一次批量 RPC 读取链 ID 和最新区块高度。
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	_, rpcClient, err := c.backend()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}

	var (
		chainID     hexutil.Big
		blockNumber hexutil.Uint64
	)
	elems := []gethrpc.BatchElem{
		{Method: "eth_chainId", Result: &chainID},
		{Method: "eth_blockNumber", Result: &blockNumber},
	}
	if err := rpcClient.BatchCallContext(ctx, elems); err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("批量查询链信息失败: %w", err)
	}
	for _, elem := range elems {
		if elem.Error != nil {
			return web3.ChainSnapshot{}, fmt.Errorf("%s 调用失败: %w", elem.Method, elem.Error)
		}
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID.ToInt()),
		BlockNumber: fmt.Sprintf("0x%x", uint64(blockNumber)),
		Notes:       c.notes,
	}, nil
}

// TokenBalance 调用 ERC-20 balanceOf 查询余额（最小单位）。
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	eth, _, err := c.backend()
	if err != nil {
		return nil, err
	}
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("编码 balanceOf 失败: %w", err)
	}
	raw, err := eth.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("查询代币余额失败: %w", err)
	}
	out, err := erc20ABI.Unpack("balanceOf", raw)
	if err != nil {
		return nil, fmt.Errorf("解析代币余额失败: %w", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("balanceOf 返回值类型异常")
	}
	return balance, nil
}

// HasCode 判断地址上是否部署了合约。
func (c *Client) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	eth, _, err := c.backend()
	if err != nil {
		return false, err
	}
	code, err := eth.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("查询合约代码失败: %w", err)
	}
	return len(code) > 0, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
