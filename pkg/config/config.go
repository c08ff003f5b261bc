package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"node-emissions/pkg/amount"
	"node-emissions/pkg/api"
	"node-emissions/pkg/model"
	"node-emissions/pkg/risk"
)

// EnvPrefix prefixes environment overrides, e.g. EMISSIONS_SERVER_ADDR.
const EnvPrefix = "EMISSIONS"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Consul    ConsulConfig    `mapstructure:"consul"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Risk      risk.Thresholds `mapstructure:"risk"`
	Evaluator EvaluatorConfig `mapstructure:"evaluator"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`

	// Governance seeds the parameter record when the store has none.
	Governance *GovernanceConfig `mapstructure:"governance"`
}

type ServerConfig struct {
	Addr string         `mapstructure:"addr"`
	TLS  api.TLSOptions `mapstructure:"tls"`
}

type AuthConfig struct {
	Token     string            `mapstructure:"token"`
	JWTSecret string            `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration     `mapstructure:"token_ttl"`
	Operators map[string]string `mapstructure:"operators"` // name -> bcrypt hash
}

type LogConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

type StoreConfig struct {
	Kind       string `mapstructure:"kind"` // memory | sqlite | mysql
	SQLitePath string `mapstructure:"sqlite_path"`
}

type RegistryConfig struct {
	Path string `mapstructure:"path"` // empty keeps roots in memory
}

type ConsulConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Addr    string        `mapstructure:"addr"`
	LockKey string        `mapstructure:"lock_key"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

type ScheduleConfig struct {
	SettleInterval time.Duration `mapstructure:"settle_interval"`
	RiskInterval   time.Duration `mapstructure:"risk_interval"`
}

type EvaluatorConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Prefix string `mapstructure:"prefix"`
}

// GovernanceConfig is the YAML form of model.GovernanceParams; amounts and
// multipliers are decimal strings ("1000", "0.7").
type GovernanceConfig struct {
	PoolSize       string             `mapstructure:"pool_size"`
	TierWeights    map[string]string  `mapstructure:"tier_weights"`
	SLAThresholds  map[string]float64 `mapstructure:"sla_thresholds"`
	DampenedTiers  []string           `mapstructure:"dampened_tiers"`
	Dampener       []string           `mapstructure:"dampener"`
	BountyBaseRate string             `mapstructure:"bounty_base_rate"`
	PeriodLength   time.Duration      `mapstructure:"period_length"`
	MaxPeriodSpend string             `mapstructure:"max_period_spend"`
	Genesis        time.Time          `mapstructure:"genesis"` // RFC 3339
}

func setDefaults(v *viper.Viper) {
	th := risk.DefaultThresholds()
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.tls.cert", "")
	v.SetDefault("server.tls.key", "")
	v.SetDefault("server.tls.client_ca", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "12h")
	v.SetDefault("log.file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("store.kind", "memory")
	v.SetDefault("store.sqlite_path", "emissions.db")
	v.SetDefault("registry.path", "")
	v.SetDefault("consul.enabled", false)
	v.SetDefault("consul.addr", "127.0.0.1:8500")
	v.SetDefault("consul.lock_key", "node-emissions/locks/settler")
	v.SetDefault("consul.lock_ttl", "15s")
	v.SetDefault("schedule.settle_interval", "1m")
	v.SetDefault("schedule.risk_interval", "30s")
	v.SetDefault("risk.sla_breach_min_nodes", th.SLABreachMinNodes)
	v.SetDefault("risk.backlog_max", th.BacklogMax)
	v.SetDefault("risk.utilization_pct", th.UtilizationPct)
	v.SetDefault("risk.concentration_pct", th.ConcentrationPct)
	v.SetDefault("evaluator.url", "")
	v.SetDefault("evaluator.token", "")
	v.SetDefault("evaluator.timeout", "10s")
	v.SetDefault("metrics.prefix", "emissions")
}

// Load reads .env (if present), then the YAML file at path (optional),
// then EMISSIONS_* environment overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
	))
	if err := v.Unmarshal(&c, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	switch c.Store.Kind {
	case "memory", "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported store kind %q", c.Store.Kind)
	}
	if c.Schedule.SettleInterval <= 0 || c.Schedule.RiskInterval <= 0 {
		return fmt.Errorf("schedule intervals must be positive")
	}
	if len(c.Auth.Operators) > 0 && c.Auth.JWTSecret == "" && os.Getenv("JWT_SECRET") == "" {
		return fmt.Errorf("auth.operators requires auth.jwt_secret or JWT_SECRET")
	}
	if c.Governance != nil {
		if _, err := c.Governance.Params(); err != nil {
			return err
		}
	}
	return nil
}

// Params converts the YAML form, filling unset fields from
// model.DefaultGovernance, and validates the result.
func (g GovernanceConfig) Params() (model.GovernanceParams, error) {
	p := model.DefaultGovernance()
	var err error
	if g.PoolSize != "" {
		if p.PoolSize, err = parseAmount("pool_size", g.PoolSize); err != nil {
			return p, err
		}
	}
	if len(g.TierWeights) > 0 {
		p.TierWeights = make(map[model.Tier]amount.Capacity, len(g.TierWeights))
		for name, w := range g.TierWeights {
			tier, err := model.ParseTier(name)
			if err != nil {
				return p, fmt.Errorf("tier_weights: %w", err)
			}
			v, err := amount.Parse(w)
			if err != nil {
				return p, fmt.Errorf("tier_weights.%s: %w", name, err)
			}
			p.TierWeights[tier] = amount.Capacity(v)
		}
	}
	if len(g.SLAThresholds) > 0 {
		p.SLAThresholds = make(map[model.Tier]float64, len(g.SLAThresholds))
		for name, th := range g.SLAThresholds {
			tier, err := model.ParseTier(name)
			if err != nil {
				return p, fmt.Errorf("sla_thresholds: %w", err)
			}
			p.SLAThresholds[tier] = th
		}
	}
	if g.DampenedTiers != nil {
		p.DampenedTiers = p.DampenedTiers[:0:0]
		for _, name := range g.DampenedTiers {
			tier, err := model.ParseTier(name)
			if err != nil {
				return p, fmt.Errorf("dampened_tiers: %w", err)
			}
			p.DampenedTiers = append(p.DampenedTiers, tier)
		}
	}
	if len(g.Dampener) > 0 {
		p.Dampener = make([]amount.PPM, 0, len(g.Dampener))
		for i, m := range g.Dampener {
			v, err := amount.Parse(m)
			if err != nil {
				return p, fmt.Errorf("dampener[%d]: %w", i, err)
			}
			p.Dampener = append(p.Dampener, amount.PPM(v))
		}
	}
	if g.BountyBaseRate != "" {
		if p.BountyBaseRate, err = parseAmount("bounty_base_rate", g.BountyBaseRate); err != nil {
			return p, err
		}
	}
	if g.PeriodLength != 0 {
		p.PeriodLength = g.PeriodLength
	}
	if g.MaxPeriodSpend != "" {
		if p.MaxPeriodSpend, err = parseAmount("max_period_spend", g.MaxPeriodSpend); err != nil {
			return p, err
		}
	}
	if !g.Genesis.IsZero() {
		p.Genesis = g.Genesis.UTC()
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func parseAmount(field, s string) (amount.Amount, error) {
	v, err := amount.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return amount.Amount(v), nil
}
