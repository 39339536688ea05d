package config

import (
	"fmt"
	"os"
	"strings"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v2"
)

// reading config error is fatal, and exists main thread
func processError(err error) {
	fmt.Println(err)
	os.Exit(2)
}

func readFile(cfg *Configuration, path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		// env only deployments
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "open config")
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}

func readEnv(cfg *Configuration) error {
	return errors.Wrap(envconfig.Process("", cfg), "read environment")
}

// Load reads defaults, then the yaml file at path, then the environment, and validates the result.
func Load(path string) (*Configuration, error) {
	cfg := Default()
	if err := readFile(&cfg, path); err != nil {
		return nil, err
	}
	if err := readEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Init() {
	cfg, err := Load("config.yml")
	if err != nil {
		processError(err)
	}
	Config = *cfg
}

// Validate checks the options the relay cannot run without and parses the decimal ones.
func (c *Configuration) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(len(c.Hive.Account) > 1, "HIVE_ACCOUNT length must be more than 1")
	check(!strings.Contains(c.Hive.Account, "@"), "HIVE_ACCOUNT should not include @")
	check(len(c.Hive.RPCNodes) > 0, "HIVE_RPC_NODES must list at least one node")
	check(c.Hive.Denomination != "", "HIVE_DENOMINATION must be set")
	check(c.Hive.Precision >= 0, "HIVE_TOKEN_PRECISION must be more or equal to 0")
	check(!c.Hive.VerifySecondaryNode || c.Hive.SecondaryEndpoint != "",
		"VERIFY_SECONDARY_NODE needs HIVE_ENGINE_SECONDARY_ENDPOINT")

	check(len(c.EVM.TokenSymbol) > 1, "TOKEN_SYMBOL length must be more than 1")
	check(len(c.EVM.Endpoints) > 0, "ETHEREUM_ENDPOINT must be set")
	check(c.EVM.ChainID > 0, "ETHEREUM_CHAIN_ID must be positive")
	check(c.EVM.Precision >= 0, "ETHEREUM_TOKEN_PRECISION must be more or equal to 0")
	check(isAddress(c.EVM.ContractAddress), "ETHEREUM_CONTRACT_ADDRESS is not a valid address")
	check(isAddress(c.EVM.PublicAddress), "ETHEREUM_ADDRESS is not a valid address")
	check(c.EVM.PrivateKey != "" || c.EVM.PrivateKeySecret != "",
		"one of ETHEREUM_PRIVATE_KEY or ETHEREUM_PRIVATE_KEY_SECRET must be set")
	check(c.EVM.ScanEvery >= 0, "ETHEREUM_SCAN_INTERVAL must not be negative")
	check(c.EVM.BlockBatch > 0, "ETHEREUM_BLOCK_BATCH must be positive")
	check(c.EVM.ApproveSpender == "" || isAddress(c.EVM.ApproveSpender), "ETHEREUM_APPROVE_SPENDER is not a valid address")
	check(contains(ContractFunctions, c.EVM.ContractFunction),
		"ETHEREUM_CONTRACT_FUNCTION must be one of %s", strings.Join(ContractFunctions, ", "))

	check(c.Gas.Oracle == "node" || c.Gas.Oracle == "gastracker", "GAS_ORACLE must be node or gastracker")
	check(c.Gas.FallbackGwei > 0, "GAS_PRICE_FALLBACK_GWEI must be positive")
	check(c.Gas.CeilingGwei >= c.Gas.FallbackGwei, "GAS_PRICE_CEILING_GWEI must not be below the fallback price")
	check(c.Gas.StaleAfter >= 0, "STALE_AFTER must not be negative")
	check(c.Gas.ReconcileEvery > 0, "RECONCILE_INTERVAL must be positive")

	check(c.Server.Store == "redis" || c.Server.Store == "postgres", "STORE_DRIVER must be redis or postgres")
	check(c.Server.Store != "postgres" || c.Server.PostgresDSN != "", "POSTGRES_DSN must be set for the postgres store")

	check(c.Bridge.Workers > 0, "PIPELINE_WORKERS must be positive")
	check(c.Bridge.RefundMaxAttempts > 0, "REFUND_MAX_ATTEMPTS must be positive")

	var err error
	if c.Bridge.Min, err = decimal.NewFromString(c.Bridge.MinAmount); err != nil {
		problems = append(problems, "MIN_AMOUNT is not a number")
	}
	if c.Bridge.Max, err = decimal.NewFromString(c.Bridge.MaxAmount); err != nil {
		problems = append(problems, "MAX_AMOUNT is not a number")
	}
	if c.Bridge.FeePercent, err = decimal.NewFromString(c.Bridge.FeePercentage); err != nil {
		problems = append(problems, "PERCENTAGE_DEPOSIT_FEE is not a number")
	}
	if c.Bridge.Fixed, err = decimal.NewFromString(c.Bridge.FixedFee); err != nil {
		problems = append(problems, "FIXED_FEE is not a number")
	}
	check(c.Bridge.Min.IsPositive(), "MIN_AMOUNT must be positive")
	check(c.Bridge.Min.LessThanOrEqual(c.Bridge.Max), "MIN_AMOUNT must not exceed MAX_AMOUNT")
	check(!c.Bridge.FeePercent.IsNegative() && c.Bridge.FeePercent.LessThan(decimal.NewFromInt(100)),
		"PERCENTAGE_DEPOSIT_FEE must be in [0, 100)")
	check(!c.Bridge.Fixed.IsNegative(), "FIXED_FEE must be more or equal to 0")

	if len(problems) > 0 {
		return errors.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func isAddress(s string) bool {
	return common.IsHexAddress(s) && ethav.Validate(common.HexToAddress(s).Hex()) == nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
