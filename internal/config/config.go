package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	// Chain
	RPCURL        string
	EscrowAddress string
	RewardAddress string
	PrivateKeyHex string
	StartBlock    uint64
	BatchSize     uint64
	PollInterval  time.Duration
	ReorgDepth    uint64
	ConfirmDepth  uint64
	MaxRetries    int
	RetryBackoff  time.Duration

	// Storage / messaging
	DatabaseURL string
	RedisAddr   string

	// Servers
	ListenAddr  string
	MetricsAddr string

	// Reward bounds
	MinRewardWei *big.Int
	MaxRewardWei *big.Int
	// Reward amount per session event type, "type=wei" pairs.
	RewardAmounts map[string]*big.Int

	// Match
	MinDepositWei *big.Int
	MaxDepositWei *big.Int
	TimeoutBlocks uint64

	// Market limits
	MinStakeWei    *big.Int
	MaxStakeWei    *big.Int
	ExposureCapWei *big.Int
	PoolCapWei     *big.Int
	LockBeforeEnd  time.Duration

	LogLevel string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KASRACING")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("poll-interval", 3*time.Second)
	v.SetDefault("reorg-depth", uint64(64))
	v.SetDefault("confirm-depth", uint64(12))
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("redis-addr", "localhost:6379")
	v.SetDefault("listen-addr", ":8080")
	v.SetDefault("metrics-addr", ":9090")
	v.SetDefault("min-reward-wei", "1000000000000000")
	v.SetDefault("max-reward-wei", "1000000000000000000")
	v.SetDefault("reward-amounts", "race_finish=10000000000000000")
	v.SetDefault("min-deposit-wei", "1000000000000000")
	v.SetDefault("max-deposit-wei", "10000000000000000000")
	v.SetDefault("timeout-blocks", uint64(1200))
	v.SetDefault("min-stake-wei", "1000000000000000")
	v.SetDefault("max-stake-wei", "1000000000000000000")
	v.SetDefault("exposure-cap-wei", "5000000000000000000")
	v.SetDefault("pool-cap-wei", "100000000000000000000")
	v.SetDefault("lock-before-end", 30*time.Second)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:        v.GetString("rpc"),
		EscrowAddress: v.GetString("escrow-address"),
		RewardAddress: v.GetString("reward-address"),
		PrivateKeyHex: v.GetString("private-key"),
		StartBlock:    v.GetUint64("start-block"),
		BatchSize:     v.GetUint64("batch-size"),
		PollInterval:  v.GetDuration("poll-interval"),
		ReorgDepth:    v.GetUint64("reorg-depth"),
		ConfirmDepth:  v.GetUint64("confirm-depth"),
		MaxRetries:    v.GetInt("max-retries"),
		RetryBackoff:  v.GetDuration("retry-backoff"),
		DatabaseURL:   v.GetString("database-url"),
		RedisAddr:     v.GetString("redis-addr"),
		ListenAddr:    v.GetString("listen-addr"),
		MetricsAddr:   v.GetString("metrics-addr"),
		TimeoutBlocks: v.GetUint64("timeout-blocks"),
		LockBeforeEnd: v.GetDuration("lock-before-end"),
		LogLevel:      v.GetString("log-level"),
	}

	var err error
	if cfg.MinRewardWei, err = getWei(v, "min-reward-wei"); err != nil {
		return Config{}, err
	}
	if cfg.MaxRewardWei, err = getWei(v, "max-reward-wei"); err != nil {
		return Config{}, err
	}
	if cfg.MinDepositWei, err = getWei(v, "min-deposit-wei"); err != nil {
		return Config{}, err
	}
	if cfg.MaxDepositWei, err = getWei(v, "max-deposit-wei"); err != nil {
		return Config{}, err
	}
	if cfg.MinStakeWei, err = getWei(v, "min-stake-wei"); err != nil {
		return Config{}, err
	}
	if cfg.MaxStakeWei, err = getWei(v, "max-stake-wei"); err != nil {
		return Config{}, err
	}
	if cfg.ExposureCapWei, err = getWei(v, "exposure-cap-wei"); err != nil {
		return Config{}, err
	}
	if cfg.PoolCapWei, err = getWei(v, "pool-cap-wei"); err != nil {
		return Config{}, err
	}
	if cfg.RewardAmounts, err = parseRewardAmounts(v.GetString("reward-amounts")); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// getWei parses a decimal wei string setting into a big.Int.
func getWei(v *viper.Viper, key string) (*big.Int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return nil, fmt.Errorf("config %s: empty", key)
	}
	val, ok := new(big.Int).SetString(raw, 10)
	if !ok || val.Sign() < 0 {
		return nil, fmt.Errorf("config %s: invalid wei amount %q", key, raw)
	}
	return val, nil
}

// parseRewardAmounts parses comma-separated "eventType=wei" pairs.
func parseRewardAmounts(raw string) (map[string]*big.Int, error) {
	out := make(map[string]*big.Int)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, val, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("config reward-amounts: malformed pair %q", pair)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(val), 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("config reward-amounts: invalid amount in %q", pair)
		}
		out[strings.TrimSpace(key)] = amount
	}
	return out, nil
}
