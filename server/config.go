package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded lifetime defaults.
const (
	DefaultAccessTokenTTL  = 10 * time.Minute
	DefaultRefreshTokenTTL = 24 * time.Hour
	DefaultIDTokenTTL      = time.Hour
	DefaultCodeTTL         = 5 * time.Minute
	DefaultSessionTTL      = 12 * time.Hour
	DefaultSweepInterval   = time.Minute
	DefaultCibaExpiry      = 2 * time.Minute
	DefaultCibaMaxExpiry   = time.Hour
)

// DefaultBackchannelWorkers caps the logout fan-out pool per dispatch batch.
const DefaultBackchannelWorkers = 5

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Tokens     TokensConfig     `yaml:"tokens"`
	EndSession EndSessionConfig `yaml:"end_session"`
	Ciba       CibaConfig       `yaml:"ciba"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
	Hooks      HooksConfig      `yaml:"hooks"`
	Clients    []ClientConfig   `yaml:"clients"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// SessionsConfig controls session lifetimes.
type SessionsConfig struct {
	TTL                time.Duration `yaml:"ttl"`
	UnauthenticatedTTL time.Duration `yaml:"unauthenticated_ttl"`
}

// TokensConfig controls token lifetimes computed at issuance.
type TokensConfig struct {
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
	IDTTL      time.Duration `yaml:"id_ttl"`
	CodeTTL    time.Duration `yaml:"code_ttl"`
}

// EndSessionConfig controls the logout orchestrator.
type EndSessionConfig struct {
	// WithAccessToken permits id_token_hint resolution to fall back to an
	// access-token lookup.
	WithAccessToken bool `yaml:"with_access_token"`
	// AllowPostLogoutRedirectWithoutValidation skips client association
	// checks for post_logout_redirect_uri values matching the allow list.
	AllowPostLogoutRedirectWithoutValidation bool          `yaml:"allow_post_logout_redirect_without_validation"`
	PostLogoutAllowList                      []string      `yaml:"post_logout_allow_list"`
	BackchannelMaxWorkers                    int           `yaml:"backchannel_max_workers"`
	BackchannelTimeout                       time.Duration `yaml:"backchannel_timeout"`
	LogoutTokenTTL                           time.Duration `yaml:"logout_token_ttl"`
}

// CibaConfig controls the backchannel authentication flow.
type CibaConfig struct {
	Enabled               bool          `yaml:"enabled"`
	DeliveryModes         []string      `yaml:"delivery_modes"` // server-advertised modes
	DefaultExpiry         time.Duration `yaml:"default_expiry"`
	MaxRequestedExpiry    time.Duration `yaml:"max_requested_expiry"`
	BindingMessagePattern string        `yaml:"binding_message_pattern"`
	TokenEndpointInterval time.Duration `yaml:"token_endpoint_interval"` // advertised poll interval
}

// SweeperConfig controls the expiration sweeper.
type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// HooksConfig selects the pre-logout interception variant.
type HooksConfig struct {
	PreLogout PreLogoutHookConfig `yaml:"pre_logout"`
}

// PreLogoutHookConfig configures the pre-logout hook. Type is one of
// "none" or "webhook".
type PreLogoutHookConfig struct {
	Type    string        `yaml:"type"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ClientConfig describes a registered relying party.
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Scopes       []string `yaml:"scopes"`
	GrantTypes   []string `yaml:"grant_types"`

	PostLogoutRedirectURIs            []string `yaml:"post_logout_redirect_uris"`
	FrontChannelLogoutURI             string   `yaml:"frontchannel_logout_uri"`
	FrontChannelLogoutSessionRequired bool     `yaml:"frontchannel_logout_session_required"`
	BackchannelLogoutURIs             []string `yaml:"backchannel_logout_uris"`
	BackchannelLogoutSessionRequired  bool     `yaml:"backchannel_logout_session_required"`

	BackchannelTokenDeliveryMode          string `yaml:"backchannel_token_delivery_mode"`
	BackchannelClientNotificationEndpoint string `yaml:"backchannel_client_notification_endpoint"`
	BackchannelUserCodeParameter          bool   `yaml:"backchannel_user_code_parameter"`
	UserCode                              string `yaml:"user_code"`

	SubjectType         string `yaml:"subject_type"`
	JWKS                string `yaml:"jwks"`
	JWKSURI             string `yaml:"jwks_uri"`
	SectorIdentifierURI string `yaml:"sector_identifier_uri"`

	Deletable bool `yaml:"deletable"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains: []string{"localhost"},
			},
		},
		Sessions: SessionsConfig{
			TTL:                DefaultSessionTTL,
			UnauthenticatedTTL: 30 * time.Minute,
		},
		Tokens: TokensConfig{
			AccessTTL:  DefaultAccessTokenTTL,
			RefreshTTL: DefaultRefreshTokenTTL,
			IDTTL:      DefaultIDTokenTTL,
			CodeTTL:    DefaultCodeTTL,
		},
		EndSession: EndSessionConfig{
			BackchannelMaxWorkers: DefaultBackchannelWorkers,
			BackchannelTimeout:    10 * time.Second,
			LogoutTokenTTL:        2 * time.Minute,
		},
		Ciba: CibaConfig{
			Enabled:               true,
			DeliveryModes:         []string{"poll", "ping", "push"},
			DefaultExpiry:         DefaultCibaExpiry,
			MaxRequestedExpiry:    DefaultCibaMaxExpiry,
			TokenEndpointInterval: 5 * time.Second,
		},
		Sweeper: SweeperConfig{
			Interval: DefaultSweepInterval,
		},
		Hooks: HooksConfig{
			PreLogout: PreLogoutHookConfig{Type: "none", Timeout: 5 * time.Second},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHZD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"AUTHZD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHZD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"AUTHZD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"AUTHZD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHZD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"AUTHZD_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"AUTHZD_SWEEPER_INTERVAL":         func(v string) { cfg.Sweeper.Interval = parseDuration(v, cfg.Sweeper.Interval) },
		"AUTHZD_CIBA_ENABLED":             func(v string) { cfg.Ciba.Enabled = parseBool(v, cfg.Ciba.Enabled) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return b
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.EndSession.BackchannelMaxWorkers < 1 {
		return errors.New("end_session.backchannel_max_workers must be at least 1")
	}

	if c.Ciba.BindingMessagePattern != "" {
		if _, err := regexp.Compile(c.Ciba.BindingMessagePattern); err != nil {
			return fmt.Errorf("ciba.binding_message_pattern is not a valid regexp: %w", err)
		}
	}
	if c.Ciba.MaxRequestedExpiry <= 0 {
		return errors.New("ciba.max_requested_expiry must be positive")
	}
	for _, mode := range c.Ciba.DeliveryModes {
		switch DeliveryMode(mode) {
		case DeliveryPoll, DeliveryPing, DeliveryPush:
		default:
			return fmt.Errorf("ciba.delivery_modes contains unknown mode %q", mode)
		}
	}

	if c.Sweeper.Interval <= 0 {
		return errors.New("sweeper.interval must be positive")
	}

	switch c.Hooks.PreLogout.Type {
	case "", "none":
	case "webhook":
		if c.Hooks.PreLogout.URL == "" {
			return errors.New("hooks.pre_logout.url is required for the webhook hook")
		}
	default:
		return fmt.Errorf("hooks.pre_logout.type must be 'none' or 'webhook', got: %s", c.Hooks.PreLogout.Type)
	}

	for i, client := range c.Clients {
		if client.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		for j, uri := range client.RedirectURIs {
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d] must start with http:// or https://, got: %s", i, client.ClientID, j, uri)
			}
		}
		mode := DeliveryMode(client.BackchannelTokenDeliveryMode)
		if mode == DeliveryPing || mode == DeliveryPush {
			if strings.TrimSpace(client.BackchannelClientNotificationEndpoint) == "" {
				return fmt.Errorf("clients[%d] (%s): %s delivery mode requires backchannel_client_notification_endpoint", i, client.ClientID, mode)
			}
		}
	}

	return nil
}

// Issuer returns the issuer identifier derived from the public URL.
func (c Config) Issuer() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/")
}
