package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	DBType   string
	DBSource string
	Datadir  string
	Port     string
	Env      string
	LogLevel uint32

	OracleAddress string
	OraclePort    string
	APIURL        string

	PriceSource       string
	PriceFeedID       string
	ReferenceAsset    string
	MaxPriceAge       time.Duration
	MaxConfidenceBps  uint64
	NativeDecimals    int32
	ReferenceDecimals int32

	NatsURL           string
	NatsSubjectPrefix string
}

const envPrefix = "ESCROW"

var (
	DBType            = "DB_TYPE"
	DBSource          = "DB_SOURCE"
	Datadir           = "DATADIR"
	ServerPort        = "SERVER_PORT"
	Environment       = "ENVIRONMENT"
	LogLevel          = "LOG_LEVEL"
	OracleAddress     = "ORACLE_ADDRESS"
	OraclePort        = "ORACLE_PORT"
	APIURL            = "API_URL"
	PriceSource       = "PRICE_SOURCE"
	PriceFeedID       = "PRICE_FEED_ID"
	ReferenceAsset    = "REFERENCE_ASSET"
	MaxPriceAge       = "MAX_PRICE_AGE"
	MaxConfidenceBps  = "MAX_CONFIDENCE_BPS"
	NativeDecimals    = "NATIVE_DECIMALS"
	ReferenceDecimals = "REFERENCE_DECIMALS"
	NatsURL           = "NATS_URL"
	NatsSubjectPrefix = "NATS_SUBJECT_PREFIX"

	defaultDBType            = "memory"
	defaultDatadir           = "data"
	defaultServerPort        = "8080"
	defaultEnvironment       = "development"
	defaultLogLevel          = 4
	defaultOraclePort        = "4000"
	defaultAPIURL            = "http://localhost:8080"
	defaultReferenceAsset    = "USD"
	defaultMaxPriceAge       = 60 * time.Second
	defaultMaxConfidenceBps  = 200
	defaultNativeDecimals    = 8
	defaultReferenceDecimals = 6
	defaultNatsSubjectPrefix = "escrow"
)

// Load reads an optional .env file, then ESCROW_* environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error while reading .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	v.SetDefault(DBType, defaultDBType)
	v.SetDefault(Datadir, defaultDatadir)
	v.SetDefault(ServerPort, defaultServerPort)
	v.SetDefault(Environment, defaultEnvironment)
	v.SetDefault(LogLevel, defaultLogLevel)
	v.SetDefault(OraclePort, defaultOraclePort)
	v.SetDefault(APIURL, defaultAPIURL)
	v.SetDefault(ReferenceAsset, defaultReferenceAsset)
	v.SetDefault(MaxPriceAge, defaultMaxPriceAge)
	v.SetDefault(MaxConfidenceBps, defaultMaxConfidenceBps)
	v.SetDefault(NativeDecimals, defaultNativeDecimals)
	v.SetDefault(ReferenceDecimals, defaultReferenceDecimals)
	v.SetDefault(NatsSubjectPrefix, defaultNatsSubjectPrefix)

	cfg := &Config{
		DBType:            strings.ToLower(v.GetString(DBType)),
		DBSource:          v.GetString(DBSource),
		Datadir:           v.GetString(Datadir),
		Port:              v.GetString(ServerPort),
		Env:               v.GetString(Environment),
		LogLevel:          v.GetUint32(LogLevel),
		OracleAddress:     v.GetString(OracleAddress),
		OraclePort:        v.GetString(OraclePort),
		APIURL:            strings.TrimRight(v.GetString(APIURL), "/"),
		PriceSource:       v.GetString(PriceSource),
		PriceFeedID:       v.GetString(PriceFeedID),
		ReferenceAsset:    v.GetString(ReferenceAsset),
		MaxPriceAge:       v.GetDuration(MaxPriceAge),
		MaxConfidenceBps:  v.GetUint64(MaxConfidenceBps),
		NativeDecimals:    v.GetInt32(NativeDecimals),
		ReferenceDecimals: v.GetInt32(ReferenceDecimals),
		NatsURL:           v.GetString(NatsURL),
		NatsSubjectPrefix: v.GetString(NatsSubjectPrefix),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DBType {
	case "memory", "badger":
	case "postgres":
		if c.DBSource == "" {
			return fmt.Errorf("%s_%s is required for postgres", envPrefix, DBSource)
		}
	default:
		return fmt.Errorf("unknown %s_%s %q", envPrefix, DBType, c.DBType)
	}
	if c.OracleAddress == "" {
		return fmt.Errorf("%s_%s environment variable is required", envPrefix, OracleAddress)
	}
	if c.PriceFeedID == "" {
		return fmt.Errorf("%s_%s environment variable is required", envPrefix, PriceFeedID)
	}
	if c.MaxPriceAge <= 0 {
		return fmt.Errorf("%s_%s must be a positive duration", envPrefix, MaxPriceAge)
	}
	return nil
}
