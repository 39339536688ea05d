package config

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Every option can be set in config.yml and overridden from the environment.
// Options known to operators of the previous bridge keep their env names.
type Configuration struct {
	// Server config
	Server struct {
		HTTPPort  int    `yaml:"http_port" envconfig:"HTTP_PORT"`
		UseSSL    bool   `yaml:"ssl" envconfig:"SSL"`
		LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL"`
		Store     string `yaml:"store" envconfig:"STORE_DRIVER"` // redis or postgres
		RedisPort int    `yaml:"redis_port" envconfig:"REDIS_PORT"`
		RedisHost string `yaml:"redis_host" envconfig:"REDIS_HOST"`
		RedisDB   int    `yaml:"redis_db" envconfig:"REDIS_DB"`
		// important private stuff
		RedisPassword string `yaml:"redis_pass" envconfig:"REDIS_PASSWORD"`
		PostgresDSN   string `yaml:"postgres_dsn" envconfig:"POSTGRES_DSN"`
	} `yaml:"server"`
	// Hive-related config
	Hive struct {
		Account      string   `yaml:"account" envconfig:"HIVE_ACCOUNT"`
		RPCNodes     []string `yaml:"rpc_nodes" envconfig:"HIVE_RPC_NODES"`
		WalletURL    string   `yaml:"wallet_url" envconfig:"HIVE_WALLET_URL"`
		Denomination string   `yaml:"denomination" envconfig:"HIVE_DENOMINATION"`
		Precision    int32    `yaml:"precision" envconfig:"HIVE_TOKEN_PRECISION"`
		// cross-check of incoming transfers against a second node, off by default
		VerifySecondaryNode bool          `yaml:"verify_secondary_node" envconfig:"VERIFY_SECONDARY_NODE"`
		SecondaryEndpoint   string        `yaml:"secondary_endpoint" envconfig:"HIVE_ENGINE_SECONDARY_ENDPOINT"`
		SafetyWindow        uint64        `yaml:"safety_window" envconfig:"HIVE_SAFETY_WINDOW"`
		PollInterval        time.Duration `yaml:"poll_interval" envconfig:"HIVE_POLL_INTERVAL"`
		ResubscribeDelay    time.Duration `yaml:"resubscribe_delay" envconfig:"HIVE_RESUBSCRIBE_DELAY"`
	} `yaml:"hive"`
	// EVM-related config
	EVM struct {
		Endpoints        []string `yaml:"endpoints" envconfig:"ETHEREUM_ENDPOINT"`
		ChainID          int64    `yaml:"chain_id" envconfig:"ETHEREUM_CHAIN_ID"`
		PublicAddress    string   `yaml:"address" envconfig:"ETHEREUM_ADDRESS"`
		ContractAddress  string   `yaml:"contract_address" envconfig:"ETHEREUM_CONTRACT_ADDRESS"`
		ContractFunction string   `yaml:"contract_function" envconfig:"ETHEREUM_CONTRACT_FUNCTION"`
		TokenSymbol      string   `yaml:"token_symbol" envconfig:"TOKEN_SYMBOL"`
		Precision        int32    `yaml:"precision" envconfig:"ETHEREUM_TOKEN_PRECISION"`
		GasLimit         uint64   `yaml:"gas_limit" envconfig:"ETHEREUM_GAS_LIMIT"`
		// conversions back to Hive, a ScanEvery of 0 turns the sweep off
		ScanEvery     time.Duration `yaml:"scan_every" envconfig:"ETHEREUM_SCAN_INTERVAL"`
		Confirmations uint64        `yaml:"confirmations" envconfig:"ETHEREUM_CONFIRMATIONS"`
		BlockBatch    uint64        `yaml:"block_batch" envconfig:"ETHEREUM_BLOCK_BATCH"`
		// spender approved for the payout token at startup, none when empty
		ApproveSpender string `yaml:"approve_spender" envconfig:"ETHEREUM_APPROVE_SPENDER"`
		// important private stuff, either the key itself or a secret id to fetch it from
		PrivateKey       string `yaml:"private_key" envconfig:"ETHEREUM_PRIVATE_KEY"`
		PrivateKeySecret string `yaml:"private_key_secret" envconfig:"ETHEREUM_PRIVATE_KEY_SECRET"`
		AWSRegion        string `yaml:"aws_region" envconfig:"AWS_REGION"`
	} `yaml:"EVM"`
	Gas struct {
		Oracle         string        `yaml:"oracle" envconfig:"GAS_ORACLE"` // node or gastracker
		TrackerURL     string        `yaml:"tracker_url" envconfig:"GAS_TRACKER_URL"`
		TrackerAPIKey  string        `yaml:"tracker_api_key" envconfig:"POLYGON_SCAN_API_KEY"`
		PremiumGwei    int64         `yaml:"premium_gwei" envconfig:"GAS_PREMIUM_GWEI"`
		FallbackGwei   int64         `yaml:"fallback_gwei" envconfig:"GAS_PRICE_FALLBACK_GWEI"`
		CeilingGwei    int64         `yaml:"ceiling_gwei" envconfig:"GAS_PRICE_CEILING_GWEI"`
		OracleTimeout  time.Duration `yaml:"oracle_timeout" envconfig:"GAS_ORACLE_TIMEOUT"`
		StaleAfter     time.Duration `yaml:"stale_after" envconfig:"STALE_AFTER"` // 0 keeps the payout method default
		ReconcileEvery time.Duration `yaml:"reconcile_every" envconfig:"RECONCILE_INTERVAL"`
	} `yaml:"gas"`
	Bridge struct {
		MinAmount     string `yaml:"min_amount" envconfig:"MIN_AMOUNT"`
		MaxAmount     string `yaml:"max_amount" envconfig:"MAX_AMOUNT"`
		FeePercentage string `yaml:"fee_percentage" envconfig:"PERCENTAGE_DEPOSIT_FEE"`
		FixedFee      string `yaml:"fixed_fee" envconfig:"FIXED_FEE"`
		// senders whose confirmation memo also carries the deposit transaction id
		DepositHashSenders []string      `yaml:"deposit_hash_senders" envconfig:"DEPOSIT_HASH_SENDERS"`
		Workers            int           `yaml:"workers" envconfig:"PIPELINE_WORKERS"`
		DedupCacheSize     int           `yaml:"dedup_cache_size" envconfig:"DEDUP_CACHE_SIZE"`
		DedupCacheTTL      time.Duration `yaml:"dedup_cache_ttl" envconfig:"DEDUP_CACHE_TTL"`
		RecoveryAfter      time.Duration `yaml:"recovery_after" envconfig:"RECOVERY_AFTER"`
		RecoveryEvery      time.Duration `yaml:"recovery_every" envconfig:"RECOVERY_INTERVAL"`
		RefundMaxAttempts  int           `yaml:"refund_max_attempts" envconfig:"REFUND_MAX_ATTEMPTS"`
		RefundRetryEvery   time.Duration `yaml:"refund_retry_every" envconfig:"REFUND_RETRY_INTERVAL"`

		// parsed by Validate
		Min        decimal.Decimal `yaml:"-" ignored:"true"`
		Max        decimal.Decimal `yaml:"-" ignored:"true"`
		FeePercent decimal.Decimal `yaml:"-" ignored:"true"`
		Fixed      decimal.Decimal `yaml:"-" ignored:"true"`
	} `yaml:"bridge"`
	Events struct {
		KafkaBrokers []string `yaml:"kafka_brokers" envconfig:"KAFKA_BROKERS"`
		KafkaTopic   string   `yaml:"kafka_topic" envconfig:"KAFKA_TOPIC"`
	} `yaml:"events"`
}

var Config Configuration

// payout contract methods
const (
	FunctionMint     = "mint"
	FunctionTransfer = "transfer"
	FunctionPermit   = "permit"
)

var ContractFunctions = []string{FunctionMint, FunctionTransfer, FunctionPermit}

// Default returns the configuration every file and environment is applied on top of.
func Default() Configuration {
	var cfg Configuration

	cfg.Server.HTTPPort = 8080
	cfg.Server.LogLevel = "info"
	cfg.Server.Store = "redis"
	cfg.Server.RedisHost = "127.0.0.1"
	cfg.Server.RedisPort = 6379

	cfg.Hive.RPCNodes = []string{"https://api.hive.blog"}
	cfg.Hive.WalletURL = "http://127.0.0.1:8091"
	cfg.Hive.Denomination = "HBD"
	cfg.Hive.Precision = 3
	cfg.Hive.SafetyWindow = 20
	cfg.Hive.PollInterval = 3 * time.Second
	cfg.Hive.ResubscribeDelay = 5 * time.Second

	cfg.EVM.ContractFunction = FunctionMint
	cfg.EVM.Precision = 18
	cfg.EVM.ScanEvery = time.Minute
	cfg.EVM.Confirmations = 12
	cfg.EVM.BlockBatch = 1000

	cfg.Gas.Oracle = "node"
	cfg.Gas.TrackerURL = "https://api.polygonscan.com/api"
	cfg.Gas.PremiumGwei = 5
	cfg.Gas.FallbackGwei = 100
	cfg.Gas.CeilingGwei = 500
	cfg.Gas.OracleTimeout = 5 * time.Second
	cfg.Gas.ReconcileEvery = 5 * time.Minute

	cfg.Bridge.MinAmount = "1"
	cfg.Bridge.MaxAmount = "1000"
	cfg.Bridge.FeePercentage = "1"
	cfg.Bridge.FixedFee = "0"
	cfg.Bridge.Workers = 4
	cfg.Bridge.DedupCacheSize = 10000
	cfg.Bridge.DedupCacheTTL = time.Hour
	cfg.Bridge.RecoveryAfter = 10 * time.Minute
	cfg.Bridge.RecoveryEvery = time.Minute
	cfg.Bridge.RefundMaxAttempts = 5
	cfg.Bridge.RefundRetryEvery = 10 * time.Minute

	cfg.Events.KafkaTopic = "bridge-events"

	return cfg
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

func (c *Configuration) GasPriceCeiling() *big.Int  { return gwei(c.Gas.CeilingGwei) }
func (c *Configuration) GasPriceFallback() *big.Int { return gwei(c.Gas.FallbackGwei) }
func (c *Configuration) GasPremium() *big.Int       { return gwei(c.Gas.PremiumGwei) }
