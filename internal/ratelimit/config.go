package ratelimit

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Well-known endpoint names with stricter limits.
const (
	EndpointLogin           = "login"
	EndpointRegister        = "register"
	EndpointPasswordReset   = "password_reset"
	EndpointTwoFactorVerify = "two_factor_verify"
)

// Duration decodes TOML strings such as "90s" or "15m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Rule allows Limit requests per Window.
type Rule struct {
	Limit  int      `toml:"limit"`
	Window Duration `toml:"window"`
}

// NewRule is shorthand for Rule{limit, Duration{window}}.
func NewRule(limit int, window time.Duration) Rule {
	return Rule{Limit: limit, Window: Duration{window}}
}

func (r Rule) validate(name string) error {
	if r.Limit < 1 {
		return fmt.Errorf("rate limit %s: limit must be >= 1, got %d", name, r.Limit)
	}
	if r.Window.Duration <= 0 {
		return fmt.Errorf("rate limit %s: window must be positive", name)
	}
	return nil
}

// Config is the rate-limit table. Endpoint rules replace the tier rules for
// that endpoint and are keyed by IP.
type Config struct {
	User      Rule            `toml:"user"`
	IP        Rule            `toml:"ip"`
	Endpoints map[string]Rule `toml:"endpoints"`
}

// DefaultConfig returns the built-in table.
func DefaultConfig() Config {
	return Config{
		User: NewRule(100, time.Minute),
		IP:   NewRule(1000, time.Hour),
		Endpoints: map[string]Rule{
			EndpointLogin:           NewRule(5, time.Minute),
			EndpointRegister:        NewRule(3, 5*time.Minute),
			EndpointPasswordReset:   NewRule(3, 15*time.Minute),
			EndpointTwoFactorVerify: NewRule(10, 5*time.Minute),
		},
	}
}

// Validate checks every rule in the table.
func (c Config) Validate() error {
	if err := c.User.validate("user"); err != nil {
		return err
	}
	if err := c.IP.validate("ip"); err != nil {
		return err
	}
	for name, r := range c.Endpoints {
		if err := r.validate("endpoint " + name); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile overlays the TOML table at path onto base. Rules absent from the
// file keep their base values.
func LoadFile(path string, base Config) (Config, error) {
	var file Config
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read rate limit file %s: %w", path, err)
	}

	out := base
	out.Endpoints = make(map[string]Rule, len(base.Endpoints)+len(file.Endpoints))
	for k, v := range base.Endpoints {
		out.Endpoints[k] = v
	}
	if md.IsDefined("user") {
		out.User = file.User
	}
	if md.IsDefined("ip") {
		out.IP = file.IP
	}
	for k, v := range file.Endpoints {
		out.Endpoints[k] = v
	}

	if err := out.Validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}
