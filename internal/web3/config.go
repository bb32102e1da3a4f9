package web3

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "AgentMarket/internal/errors"
)

// ChainDefinition 是 configs/chain.yaml 中的一条链。
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	ChainID     int64  `yaml:"chain_id"`
	Role        string `yaml:"role"`
	Description string `yaml:"description"`
}

type chainFile struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// LoadChains 解析链配置文件。路径为空时返回空集合；未知字段、缺少 rpc_url
// 或重复的 chain_id 都视为配置错误。
func LoadChains(path string) (map[string]ChainDefinition, error) {
	if strings.TrimSpace(path) == "" {
		return map[string]ChainDefinition{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取链配置失败")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var file chainFile
	if err := dec.Decode(&file); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析链配置失败")
	}

	seen := make(map[int64]string, len(file.Chains))
	for name, def := range file.Chains {
		if strings.TrimSpace(def.RPCURL) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "链 "+name+" 缺少 rpc_url")
		}
		if def.ChainID == 0 {
			continue
		}
		if other, dup := seen[def.ChainID]; dup {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				"链 "+name+" 与 "+other+" 使用了相同的 chain_id "+strconv.FormatInt(def.ChainID, 10))
		}
		seen[def.ChainID] = name
	}
	if file.Chains == nil {
		file.Chains = map[string]ChainDefinition{}
	}
	return file.Chains, nil
}
