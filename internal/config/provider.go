package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: api.base_url is read from
// ESTATE_API_BASE_URL.
const EnvPrefix = "ESTATE"

type Provider interface {
	GetString(key string) string
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	GetStringSlice(key string) []string
	Get(key string) any
	Set(key string, value any)
	SetDefault(key string, value any)
	IsSet(key string) bool
	AllSettings() map[string]any
	BindPFlag(key string, flag *pflag.Flag) error

	Child(key string) Provider
	Decode(key string, value any) error
}

// NewProvider returns a Provider seeded with Defaults and environment
// overrides. When path is non-empty the file is read on top; its format
// follows the extension (yaml, yml, json, toml).
func NewProvider(path string) (Provider, error) {
	p := viper.New()
	for k, v := range Defaults() {
		p.SetDefault(k, v)
	}
	p.SetEnvPrefix(EnvPrefix)
	p.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	p.AutomaticEnv()
	if path = strings.TrimSpace(path); path != "" {
		p.SetConfigFile(path)
		if err := p.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return &defaultProvider{Viper: p}, nil
}

type defaultProvider struct {
	*viper.Viper
}

func (p *defaultProvider) Child(key string) Provider {
	if p.Viper != nil {
		sub := p.Viper.Sub(key)
		if sub == nil {
			return nil
		}
		return &defaultProvider{Viper: sub}
	}
	return nil
}

// Decode unmarshals the subtree under key into value. An empty key decodes
// every setting, merging defaults, file and environment per leaf.
func (p *defaultProvider) Decode(key string, value any) error {
	if p.Viper == nil {
		return nil
	}
	if key == "" {
		return p.Viper.Unmarshal(value)
	}
	return p.Viper.UnmarshalKey(key, value)
}
