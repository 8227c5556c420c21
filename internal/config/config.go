// Package config loads service settings from configs/config.<env>.yaml,
// a .env file and WHEEL_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/MJE43/prize-wheel/internal/wheel"
)

const envPrefix = "WHEEL"

type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
	AuditTimeout   time.Duration `mapstructure:"auditTimeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdownGrace"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type StoreConfig struct {
	Driver string      `mapstructure:"driver"` // memory | sqlite | postgres | redis
	DSN    string      `mapstructure:"dsn"`
	Redis  RedisConfig `mapstructure:"redis"`
	// LockTTL bounds how long a crashed instance can hold a user's in-flight spin lock.
	LockTTL time.Duration `mapstructure:"lockTtl"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
}

type RNGConfig struct {
	Mode       string `mapstructure:"mode"` // crypto | seeded
	ServerSeed string `mapstructure:"serverSeed"`
	ClientSeed string `mapstructure:"clientSeed"`
	StartNonce uint64 `mapstructure:"startNonce"`
}

type EventsConfig struct {
	AMQPURL  string `mapstructure:"amqpUrl"`
	Exchange string `mapstructure:"exchange"`
}

// PrizeConfig is a prize as written in YAML. PayoutValue is a decimal string.
type PrizeConfig struct {
	ID          string  `mapstructure:"id"`
	Name        string  `mapstructure:"name"`
	Weight      float64 `mapstructure:"weight"`
	PayoutType  string  `mapstructure:"payoutType"`
	PayoutValue string  `mapstructure:"payoutValue"`
}

type WheelConfig struct {
	ID                string        `mapstructure:"id"`
	Title             string        `mapstructure:"title"`
	MaxSpinsPerDay    int           `mapstructure:"maxSpinsPerDay"`
	PointerPosition   string        `mapstructure:"pointerPosition"`
	PointerOffsetDeg  float64       `mapstructure:"pointerOffsetDeg"`
	FullRotations     int           `mapstructure:"fullRotationsBeforeStop"`
	WeightsArePercent bool          `mapstructure:"weightsArePercent"`
	Prizes            []PrizeConfig `mapstructure:"prizes"`
}

type Config struct {
	Env         string        `mapstructure:"env"`
	Server      ServerConfig  `mapstructure:"server"`
	Log         LogConfig     `mapstructure:"log"`
	Store       StoreConfig   `mapstructure:"store"`
	Auth        AuthConfig    `mapstructure:"auth"`
	RNG         RNGConfig     `mapstructure:"rng"`
	Events      EventsConfig  `mapstructure:"events"`
	Wheels      []WheelConfig `mapstructure:"wheels"`
	CatalogFile string        `mapstructure:"catalogFile"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.readTimeout", 10*time.Second)
	v.SetDefault("server.writeTimeout", 60*time.Second)
	v.SetDefault("server.requestTimeout", 30*time.Second)
	v.SetDefault("server.auditTimeout", 20*time.Second)
	v.SetDefault("server.shutdownGrace", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "wheel.db")
	v.SetDefault("store.redis.addr", "")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "wheel")
	v.SetDefault("store.lockTtl", 30*time.Second)
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("rng.mode", "crypto")
	v.SetDefault("rng.serverSeed", "")
	v.SetDefault("rng.clientSeed", "")
	v.SetDefault("rng.startNonce", 0)
	v.SetDefault("events.amqpUrl", "")
	v.SetDefault("events.exchange", "wheel.events")
	v.SetDefault("catalogFile", "")
}

// Load reads config.<env>.yaml from dir. A missing file falls back to defaults
// and the environment; a malformed one is an error.
func Load(dir, env string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Env = env

	if cfg.CatalogFile != "" {
		wheels, err := loadCatalogFile(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		cfg.Wheels = append(cfg.Wheels, wheels...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadCatalogFile(path string) ([]WheelConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var doc struct {
		Wheels []WheelConfig `mapstructure:"wheels"`
	}
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	return doc.Wheels, nil
}

// Validate checks settings that the components cannot check for themselves.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return errors.New("config: store.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return errors.New("config: store.dsn is required for the postgres driver")
	}
	switch c.RNG.Mode {
	case "crypto":
	case "seeded":
		if c.RNG.ServerSeed == "" {
			return errors.New("config: rng.serverSeed is required in seeded mode")
		}
	default:
		return fmt.Errorf("config: unknown rng.mode %q", c.RNG.Mode)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}

// WheelConfigs converts the configured wheels into publishable configs.
// It does not validate weights; publishing does.
func (c *Config) WheelConfigs() ([]wheel.Config, error) {
	out := make([]wheel.Config, 0, len(c.Wheels))
	for _, wc := range c.Wheels {
		pointer, err := wheel.ParsePointerPosition(wc.PointerPosition)
		if err != nil {
			return nil, fmt.Errorf("wheel %q: %w", wc.ID, err)
		}
		prizes := make([]wheel.Prize, len(wc.Prizes))
		for i, p := range wc.Prizes {
			value := decimal.Zero
			if p.PayoutValue != "" {
				if value, err = decimal.NewFromString(p.PayoutValue); err != nil {
					return nil, fmt.Errorf("wheel %q prize %q: payoutValue: %w", wc.ID, p.ID, err)
				}
			}
			prizes[i] = wheel.Prize{
				ID:          p.ID,
				Name:        p.Name,
				Weight:      p.Weight,
				PayoutType:  wheel.PayoutType(p.PayoutType),
				PayoutValue: value,
			}
		}
		out = append(out, wheel.Config{
			WheelID:           wc.ID,
			Title:             wc.Title,
			Segments:          prizes,
			MaxSpinsPerDay:    wc.MaxSpinsPerDay,
			PointerPosition:   pointer,
			PointerOffsetDeg:  wc.PointerOffsetDeg,
			FullRotations:     wc.FullRotations,
			WeightsArePercent: wc.WeightsArePercent,
		})
	}
	return out, nil
}
