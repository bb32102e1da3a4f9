// Package provider 按 configs/chain.yaml 为每条测试网链创建只读客户端。
package provider

import (
	"context"
	"slices"
	"strings"

	"AgentMarket/internal/config"
	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/web3"
	"AgentMarket/internal/web3/ethereum"
)

// RolePayment 标记买家付款所在的链，发现阶段在这条链上读取 USDC 余额。
const RolePayment = "payment"

type chainEntry struct {
	name    string
	role    string
	chainID int64
	client  web3.Client
}

// Registry 持有已连接的链，名称有序。
type Registry struct {
	entries []chainEntry
	primary int
}

// NewRegistry 读取链定义并连接每条链。目前只支持 EVM 链。
//
// 主链的选择顺序：配置的 default_chain，其次是 role 为 payment 的链，
// 最后是名称最小的链。
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChains(cfg.ChainConfigPath)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任何链的 RPC 端点")
	}

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	slices.Sort(names)

	reg := &Registry{primary: -1}
	for _, name := range names {
		def := defs[name]
		if kind := strings.ToLower(strings.TrimSpace(def.Type)); kind != "" && kind != "evm" {
			reg.Close()
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "链 "+name+" 使用了不支持的类型 "+def.Type)
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: def.RPCURL, Notes: def.Description})
		if err != nil {
			reg.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接链 "+name+" 失败")
		}
		reg.entries = append(reg.entries, chainEntry{
			name:    name,
			role:    strings.ToLower(strings.TrimSpace(def.Role)),
			chainID: def.ChainID,
			client:  client,
		})
	}

	if err := reg.choosePrimary(cfg.DefaultChain); err != nil {
		reg.Close()
		return nil, err
	}
	return reg, nil
}

func (r *Registry) choosePrimary(preferred string) error {
	if preferred != "" {
		i := r.indexOf(func(e chainEntry) bool { return e.name == preferred })
		if i < 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "默认链 "+preferred+" 未在配置中找到")
		}
		r.primary = i
		return nil
	}
	r.primary = max(r.indexOf(func(e chainEntry) bool { return e.role == RolePayment }), 0)
	return nil
}

func (r *Registry) indexOf(match func(chainEntry) bool) int {
	return slices.IndexFunc(r.entries, match)
}

// DefaultClient 返回主链客户端。
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil || r.primary < 0 || r.primary >= len(r.entries) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "链客户端注册表为空")
	}
	return r.entries[r.primary].client, nil
}

// Client 按名称查找。
func (r *Registry) Client(name string) (web3.Client, bool) {
	return r.find(func(e chainEntry) bool { return e.name == name })
}

// ByChainID 按链 ID 查找，用于把签名域里的 chainId 对应到链。
func (r *Registry) ByChainID(id int64) (web3.Client, bool) {
	return r.find(func(e chainEntry) bool { return id != 0 && e.chainID == id })
}

func (r *Registry) find(match func(chainEntry) bool) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	if i := r.indexOf(match); i >= 0 {
		return r.entries[i].client, true
	}
	return nil, false
}

// Chains 返回全部链名称，已排序。
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

// Close 关闭全部连接，可重复调用。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for _, e := range r.entries {
		e.client.Close()
	}
	r.entries = nil
	r.primary = -1
}
