package params

import (
	"fmt"
	"math/big"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
)

type Exchange struct {
	FeeAccount string `env:"FEE_ACCOUNT" envDefault:"0x00000000000000000000000000000000000000fe"`
	FeePercent uint64 `env:"FEE_PERCENT" envDefault:"10"`
	// Custody is the address the token contract credits on deposit
	Custody string `env:"CUSTODY" envDefault:"0x00000000000000000000000000000000000000c0"`
	ChainID int64  `env:"CHAIN_ID" envDefault:"1337"`
}

type Node struct {
	DataDir     string   `env:"DATA_DIR" envDefault:"./data"`
	APIAddr     string   `env:"API_ADDR" envDefault:":8080"`
	LogFile     string   `env:"LOG_FILE"` // empty: stdout only
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	JournalFile string   `env:"JOURNAL_FILE"` // empty: no event journal
	// Ephemeral keeps ledger state and nonces in memory instead of DataDir
	Ephemeral bool `env:"EPHEMERAL" envDefault:"false"`
}

// Token is the devnet token registered at startup
type Token struct {
	Address string `env:"ADDRESS" envDefault:"0x7000000000000000000000000000000000000001"`
	Name    string `env:"NAME" envDefault:"Dapp Token"`
	Symbol  string `env:"SYMBOL" envDefault:"DAPP"`
	Supply  string `env:"SUPPLY" envDefault:"1000000000000000000000000"`
	Holder  string `env:"HOLDER"` // receives the whole supply; empty skips registration
}

type Kafka struct {
	Brokers []string `env:"BROKERS" envSeparator:","` // empty disables publishing
	Topic   string   `env:"TOPIC" envDefault:"tokenbook.events"`
}

type Materializer struct {
	PollMs       int `env:"POLL_MS" envDefault:"2000"`
	Batch        int `env:"BATCH" envDefault:"500"`
	MaxBackoffMs int `env:"MAX_BACKOFF_MS" envDefault:"10000"`
}

func (m Materializer) PollInterval() time.Duration {
	return time.Duration(m.PollMs) * time.Millisecond
}

func (m Materializer) MaxBackoff() time.Duration {
	return time.Duration(m.MaxBackoffMs) * time.Millisecond
}

type Config struct {
	Exchange     Exchange     `envPrefix:"EXCHANGE_"`
	Node         Node         `envPrefix:"NODE_"`
	Token        Token        `envPrefix:"TOKEN_"`
	Kafka        Kafka        `envPrefix:"KAFKA_"`
	Materializer Materializer `envPrefix:"MATERIALIZER_"`
}

// Default returns the devnet configuration with no environment applied
func Default() Config {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(err)
	}
	return cfg
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	for key, addr := range map[string]string{
		"EXCHANGE_FEE_ACCOUNT": c.Exchange.FeeAccount,
		"EXCHANGE_CUSTODY":     c.Exchange.Custody,
		"TOKEN_ADDRESS":        c.Token.Address,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s: %q is not an address", key, addr)
		}
	}
	if c.Token.Holder != "" && !common.IsHexAddress(c.Token.Holder) {
		return fmt.Errorf("TOKEN_HOLDER: %q is not an address", c.Token.Holder)
	}
	if _, err := c.TokenSupply(); err != nil {
		return err
	}
	if c.Exchange.FeePercent > 100 {
		return fmt.Errorf("EXCHANGE_FEE_PERCENT: %d is over 100", c.Exchange.FeePercent)
	}
	if c.Materializer.PollMs <= 0 || c.Materializer.Batch <= 0 || c.Materializer.MaxBackoffMs <= 0 {
		return fmt.Errorf("materializer settings must be positive")
	}
	return nil
}

func (c Config) TokenSupply() (*uint256.Int, error) {
	supply, err := uint256.FromDecimal(c.Token.Supply)
	if err != nil {
		return nil, fmt.Errorf("TOKEN_SUPPLY: %w", err)
	}
	return supply, nil
}

func (c Config) ChainID() *big.Int { return big.NewInt(c.Exchange.ChainID) }
