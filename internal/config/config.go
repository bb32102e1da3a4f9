package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"AgentMarket/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "MARKET_CONFIG"

// DefaultPath 是未设置环境变量时的配置文件位置。
var DefaultPath = filepath.Join("configs", "market.json")

// Config 描述了 Agent Market 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Logging     logger.Config     `json:"logging"`
	Budget      BudgetConfig      `json:"budget"`
	Negotiation NegotiationConfig `json:"negotiation"`
	Pipeline    PipelineConfig    `json:"pipeline"`
	Catalog     CatalogConfig     `json:"catalog"`
	LLM         LLMConfig         `json:"llm"`
	Wallet      WalletConfig      `json:"wallet"`
	Web3        Web3Config        `json:"web3"`
	Settlement  SettlementConfig  `json:"settlement"`
	EventBus    EventBusConfig    `json:"event_bus"`
	Storage     StorageConfig     `json:"storage"`
	Alerting    AlertingConfig    `json:"alerting"`
	Runtime     RuntimeConfig     `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// BudgetConfig 描述预算账本的上限，金额为 USDC 十进制字符串。
type BudgetConfig struct {
	MaxPerDeal  string `json:"max_per_deal"`
	TotalBudget string `json:"total_budget"`
}

// NegotiationConfig 控制议价策略。
type NegotiationConfig struct {
	Style               string  `json:"style"`
	MaxRounds           int     `json:"max_rounds"`
	MinDiscountPercent  float64 `json:"min_discount_percent"`
	GeneratorTimeoutSec int     `json:"generator_timeout_seconds"`
}

// GeneratorTimeout 返回文本生成的超时时间。
func (n NegotiationConfig) GeneratorTimeout() time.Duration {
	return time.Duration(n.GeneratorTimeoutSec) * time.Second
}

// PipelineConfig 控制编排流程的节奏与默认参数。
// PaceMillis 为 0 时使用默认节奏，负数表示不停顿。
type PipelineConfig struct {
	PaceMillis      int    `json:"pace_ms"`
	DeadlineSeconds int    `json:"deadline_seconds"`
	DefaultMode     string `json:"default_mode"`
	DefaultCheckout string `json:"default_checkout"`
}

// Pace 返回阶段之间的叙述间隔。
func (p PipelineConfig) Pace() time.Duration {
	if p.PaceMillis <= 0 {
		return 0
	}
	return time.Duration(p.PaceMillis) * time.Millisecond
}

// DealHorizon 返回订单截止时间与当前时间的间隔。
func (p PipelineConfig) DealHorizon() time.Duration {
	return time.Duration(p.DeadlineSeconds) * time.Second
}

// CatalogConfig 指向商品目录文件，为空时使用内置示例数据。
type CatalogConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// LLMConfig 用于配置议价文案生成的调用方式。
type LLMConfig struct {
	Provider string             `json:"provider"`
	OpenAI   OpenAIConfig       `json:"openai"`
	Python   PythonBridgeConfig `json:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回 HTTP 调用超时。
func (o OpenAIConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先使用显式配置，其次读取环境变量。
func (o OpenAIConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(o.APIKey); key != "" {
		return key
	}
	return lookupEnv(o.APIKeyEnv)
}

// PythonBridgeConfig 描述通过 Python 脚本完成文本生成时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// WalletConfig 描述签名私钥来源与 EIP-712 域。
type WalletConfig struct {
	BuyerKeyEnv       string `json:"buyer_key_env"`
	SellerKeyEnv      string `json:"seller_key_env"`
	DomainName        string `json:"domain_name"`
	DomainVersion     string `json:"domain_version"`
	ChainID           int64  `json:"chain_id"`
	VerifyingContract string `json:"verifying_contract"`
}

// BuyerKey 读取买家私钥，未配置时返回空串。
func (w WalletConfig) BuyerKey() string {
	return lookupEnv(w.BuyerKeyEnv)
}

// SellerKey 读取卖家私钥，未配置时返回空串。
func (w WalletConfig) SellerKey() string {
	return lookupEnv(w.SellerKeyEnv)
}

// Web3Config 包含访问区块链节点与链上合约所需的信息。
type Web3Config struct {
	DefaultChain    string            `json:"default_chain"`
	ChainConfigPath string            `json:"chain_config_path"`
	Contracts       ContractAddresses `json:"contracts"`
}

// ContractAddresses 是测试网结算需要的合约地址，支持通过环境变量覆盖。
type ContractAddresses struct {
	Gateway      string `json:"gateway"`
	USDC         string `json:"usdc"`
	UniversalMkt string `json:"universal_market"`
	WeaponEscrow string `json:"weapon_escrow"`
	WeaponNFT    string `json:"weapon_nft"`
	GatewayEnv   string `json:"gateway_env"`
	USDCEnv      string `json:"usdc_env"`
	UniversalEnv string `json:"universal_market_env"`
	EscrowEnv    string `json:"weapon_escrow_env"`
	WeaponNFTEnv string `json:"weapon_nft_env"`
}

// Resolve 返回合并环境变量后的地址集合。
func (c ContractAddresses) Resolve() ContractAddresses {
	out := c
	out.Gateway = firstNonEmpty(c.Gateway, lookupEnv(c.GatewayEnv))
	out.USDC = firstNonEmpty(c.USDC, lookupEnv(c.USDCEnv))
	out.UniversalMkt = firstNonEmpty(c.UniversalMkt, lookupEnv(c.UniversalEnv))
	out.WeaponEscrow = firstNonEmpty(c.WeaponEscrow, lookupEnv(c.EscrowEnv))
	out.WeaponNFT = firstNonEmpty(c.WeaponNFT, lookupEnv(c.WeaponNFTEnv))
	return out
}

// Missing 列出尚未配置的合约项，用于判断测试网是否就绪。
func (c ContractAddresses) Missing() []string {
	checks := []struct{ name, value string }{
		{"gateway", c.Gateway},
		{"usdc", c.USDC},
		{"universal_market", c.UniversalMkt},
		{"weapon_escrow", c.WeaponEscrow},
		{"weapon_nft", c.WeaponNFT},
	}
	var missing []string
	for _, check := range checks {
		if strings.TrimSpace(check.value) == "" {
			missing = append(missing, check.name)
		}
	}
	return missing
}

// SettlementConfig 选择结算子流的实现。
type SettlementConfig struct {
	Driver         string `json:"driver"`
	Endpoint       string `json:"endpoint"`
	StepDelayMS    int    `json:"step_delay_ms"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// StepDelay 返回模拟结算每一步的间隔。
func (s SettlementConfig) StepDelay() time.Duration {
	return time.Duration(s.StepDelayMS) * time.Millisecond
}

// Timeout 返回远程结算流的整体超时。
func (s SettlementConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// EventBusConfig 控制运行事件的转发目标。
type EventBusConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 发布通道。
type RedisConfig struct {
	Address       string `json:"address"`
	Password      string `json:"password"`
	DB            int    `json:"db"`
	ChannelPrefix string `json:"channel_prefix"`
}

// RabbitMQConfig 描述 RabbitMQ 事件队列。
type RabbitMQConfig struct {
	URL     string `json:"url"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// StorageConfig 统一描述运行记录的存储后端。
type StorageConfig struct {
	RunStore RunStoreConfig `json:"run_store"`
}

// RunStoreConfig 支持内存与 MySQL 两种实现。
type RunStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// AlertingConfig 控制运行失败时的告警。
type AlertingConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// LoadFromEnv 读取 MARKET_CONFIG 指定的配置，未设置时使用默认路径。
func LoadFromEnv() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvConfigPath))
	if path == "" {
		path = DefaultPath
	}
	return Load(path)
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// Default 返回一份只包含默认值的配置，用于命令行工具与测试。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Budget.MaxPerDeal == "" {
		c.Budget.MaxPerDeal = "100"
	}
	if c.Budget.TotalBudget == "" {
		c.Budget.TotalBudget = "500"
	}

	if c.Negotiation.Style == "" {
		c.Negotiation.Style = "balanced"
	}
	if c.Negotiation.MaxRounds <= 0 {
		c.Negotiation.MaxRounds = 5
	}
	if c.Negotiation.GeneratorTimeoutSec <= 0 {
		c.Negotiation.GeneratorTimeoutSec = 8
	}

	if c.Pipeline.PaceMillis == 0 {
		c.Pipeline.PaceMillis = 450
	}
	if c.Pipeline.DeadlineSeconds < 60 {
		c.Pipeline.DeadlineSeconds = 3600
	}
	if c.Pipeline.DefaultMode == "" {
		c.Pipeline.DefaultMode = "simulate"
	}
	if c.Pipeline.DefaultCheckout == "" {
		c.Pipeline.DefaultCheckout = "confirm"
	}

	c.Catalog.Source = resolvePath(baseDir, c.Catalog.Source)
	if c.Catalog.MaxResults <= 0 {
		c.Catalog.MaxResults = 5
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "none"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else {
		c.LLM.Python.WorkingDir = resolvePath(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Wallet.BuyerKeyEnv == "" {
		c.Wallet.BuyerKeyEnv = "BUYER_PRIVATE_KEY"
	}
	if c.Wallet.SellerKeyEnv == "" {
		c.Wallet.SellerKeyEnv = "SELLER_PRIVATE_KEY"
	}
	if c.Wallet.DomainName == "" {
		c.Wallet.DomainName = "UniversalAIMarket"
	}
	if c.Wallet.DomainVersion == "" {
		c.Wallet.DomainVersion = "1"
	}
	if c.Wallet.ChainID == 0 {
		c.Wallet.ChainID = 7001
	}

	c.Web3.ChainConfigPath = resolvePath(baseDir, c.Web3.ChainConfigPath)
	contracts := &c.Web3.Contracts
	if contracts.GatewayEnv == "" {
		contracts.GatewayEnv = "BASE_GATEWAY_ADDRESS"
	}
	if contracts.USDCEnv == "" {
		contracts.USDCEnv = "BASE_USDC_ADDRESS"
	}
	if contracts.UniversalEnv == "" {
		contracts.UniversalEnv = "ZETA_UNIVERSAL_MARKET"
	}
	if contracts.EscrowEnv == "" {
		contracts.EscrowEnv = "POLYGON_WEAPON_ESCROW"
	}
	if contracts.WeaponNFTEnv == "" {
		contracts.WeaponNFTEnv = "POLYGON_MOCK_WEAPON_NFT"
	}

	if c.Settlement.Driver == "" {
		c.Settlement.Driver = "simulator"
	}
	if c.Settlement.StepDelayMS <= 0 {
		c.Settlement.StepDelayMS = 300
	}
	if c.Settlement.TimeoutSeconds <= 0 {
		c.Settlement.TimeoutSeconds = 300
	}

	if c.EventBus.Driver == "" {
		c.EventBus.Driver = "memory"
	}
	if c.EventBus.Redis.ChannelPrefix == "" {
		c.EventBus.Redis.ChannelPrefix = "market:runs"
	}
	if c.EventBus.RabbitMQ.Queue == "" {
		c.EventBus.RabbitMQ.Queue = "market.run.events"
	}

	if c.Storage.RunStore.Driver == "" {
		c.Storage.RunStore.Driver = "memory"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	}
}

func resolvePath(baseDir, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

func lookupEnv(name string) string {
	if strings.TrimSpace(name) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(name))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
