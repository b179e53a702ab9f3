// Package config manages gofabric daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables layered over
// defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/gofabric/internal/msg"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gofabric configuration.
type Config struct {
	Router    RouterConfig    `koanf:"router"`
	Discovery DiscoveryConfig `koanf:"discovery"`
	Session   SessionConfig   `koanf:"session"`
	Transfer  TransferConfig  `koanf:"transfer"`
	Admin     AdminConfig     `koanf:"admin"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
}

// RouterConfig holds the router identity and transport binds.
type RouterConfig struct {
	// EP is this router's physical endpoint
	// (e.g. "physical://root/hub0/leaf1").
	EP string `koanf:"ep"`

	// EnableP2P lets a leaf route directly to its peer leaves.
	EnableP2P bool `koanf:"enable_p2p"`

	// UdpEP and TcpEP are the local bind addresses; "0.0.0.0:0"
	// requests an ephemeral bind.
	UdpEP string `koanf:"udp_ep"`
	TcpEP string `koanf:"tcp_ep"`

	// AdvertiseTime is the advertise cadence.
	AdvertiseTime time.Duration `koanf:"advertise_time"`

	// BkInterval is the background sweep cadence.
	BkInterval time.Duration `koanf:"bk_interval"`

	// DefMsgTTL is the outbound hop budget.
	DefMsgTTL uint `koanf:"def_msg_ttl"`

	// DeadRouterTTL is how long an unresponsive route lingers.
	DeadRouterTTL time.Duration `koanf:"dead_router_ttl"`

	// MaxLogicalAdvertiseEPs shards logical advertise frames.
	MaxLogicalAdvertiseEPs int `koanf:"max_logical_advertise_eps"`

	// MaxIdle closes idle cached stream connections.
	MaxIdle time.Duration `koanf:"max_idle"`

	// SharedKey enables frame encryption; "PLAINTEXT" disables.
	SharedKey string `koanf:"shared_key"`
}

// DiscoveryConfig holds the peer discovery settings.
type DiscoveryConfig struct {
	// Mode is "MULTICAST" or "UDPBROADCAST".
	Mode string `koanf:"mode"`

	// CloudEP is the multicast group:port (multicast mode).
	CloudEP string `koanf:"cloud_ep"`

	// BroadcastServers are the relay addresses (broadcast mode).
	BroadcastServers []string `koanf:"broadcast_servers"`

	// UplinkEP is the root's stream address for hub uplinks.
	UplinkEP string `koanf:"uplink_ep"`
}

// SessionConfig holds the transactional session tuning.
type SessionConfig struct {
	// Retries is the query retry budget.
	Retries int `koanf:"retries"`

	// Timeout is the per-attempt reply wait.
	Timeout time.Duration `koanf:"timeout"`

	// CacheTime retains idempotent replies.
	CacheTime time.Duration `koanf:"cache_time"`

	// KeepAlive is the duplex heartbeat cadence.
	KeepAlive time.Duration `koanf:"keep_alive"`

	// DuplexTimeout closes a duplex session after silence.
	DuplexTimeout time.Duration `koanf:"duplex_timeout"`
}

// TransferConfig holds the reliable-transfer tuning.
type TransferConfig struct {
	// DefBlockSize is the default block size in bytes.
	DefBlockSize int `koanf:"def_block_size"`

	// MaxTries bounds per-block retransmissions.
	MaxTries int `koanf:"max_tries"`

	// BlockRetry is the per-block ack wait.
	BlockRetry time.Duration `koanf:"block_retry"`
}

// AdminConfig holds the admin HTTP API settings.
type AdminConfig struct {
	// Addr is the HTTP listen address (e.g. ":8470"). Empty disables
	// the admin API.
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint.
	Addr string `koanf:"addr"`

	// Path is the URL path (e.g. "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging settings.
type LogConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `koanf:"level"`

	// Format is "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with production defaults.
// A leaf under a detached hub with ephemeral binds comes up without
// any file at all.
func DefaultConfig() *Config {
	return &Config{
		Router: RouterConfig{
			EP:                     "physical://detached/hub0/leaf0",
			UdpEP:                  "0.0.0.0:0",
			TcpEP:                  "0.0.0.0:0",
			AdvertiseTime:          10 * time.Second,
			BkInterval:             1 * time.Second,
			DefMsgTTL:              5,
			DeadRouterTTL:          30 * time.Second,
			MaxLogicalAdvertiseEPs: 32,
			MaxIdle:                60 * time.Second,
			SharedKey:              msg.PlaintextKey,
		},
		Discovery: DiscoveryConfig{
			Mode:    "MULTICAST",
			CloudEP: "239.64.0.1:47300",
		},
		Session: SessionConfig{
			Retries:       3,
			Timeout:       10 * time.Second,
			CacheTime:     60 * time.Second,
			KeepAlive:     1 * time.Second,
			DuplexTimeout: 5 * time.Second,
		},
		Transfer: TransferConfig{
			DefBlockSize: 64000,
			MaxTries:     10,
			BlockRetry:   500 * time.Millisecond,
		},
		Admin: AdminConfig{
			Addr: ":8470",
		},
		Metrics: MetricsConfig{
			Addr: ":9470",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix. Variables are named
// GOFABRIC_<section>_<key>, e.g. GOFABRIC_ROUTER_EP.
const envPrefix = "GOFABRIC_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides, and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOFABRIC_ROUTER_EP -> router.ep. Strips the
// prefix, lowercases, and replaces the first underscore with a dot.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base
// layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"router.ep":                        defaults.Router.EP,
		"router.enable_p2p":                defaults.Router.EnableP2P,
		"router.udp_ep":                    defaults.Router.UdpEP,
		"router.tcp_ep":                    defaults.Router.TcpEP,
		"router.advertise_time":            defaults.Router.AdvertiseTime.String(),
		"router.bk_interval":               defaults.Router.BkInterval.String(),
		"router.def_msg_ttl":               defaults.Router.DefMsgTTL,
		"router.dead_router_ttl":           defaults.Router.DeadRouterTTL.String(),
		"router.max_logical_advertise_eps": defaults.Router.MaxLogicalAdvertiseEPs,
		"router.max_idle":                  defaults.Router.MaxIdle.String(),
		"router.shared_key":                defaults.Router.SharedKey,
		"discovery.mode":                   defaults.Discovery.Mode,
		"discovery.cloud_ep":               defaults.Discovery.CloudEP,
		"discovery.uplink_ep":              defaults.Discovery.UplinkEP,
		"session.retries":                  defaults.Session.Retries,
		"session.timeout":                  defaults.Session.Timeout.String(),
		"session.cache_time":               defaults.Session.CacheTime.String(),
		"session.keep_alive":               defaults.Session.KeepAlive.String(),
		"session.duplex_timeout":           defaults.Session.DuplexTimeout.String(),
		"transfer.def_block_size":          defaults.Transfer.DefBlockSize,
		"transfer.max_tries":               defaults.Transfer.MaxTries,
		"transfer.block_retry":             defaults.Transfer.BlockRetry.String(),
		"admin.addr":                       defaults.Admin.Addr,
		"metrics.addr":                     defaults.Metrics.Addr,
		"metrics.path":                     defaults.Metrics.Path,
		"log.level":                        defaults.Log.Level,
		"log.format":                       defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidRouterEP indicates a missing or unparseable router
	// endpoint.
	ErrInvalidRouterEP = errors.New("router.ep must be a physical endpoint with 1-3 segments")

	// ErrInvalidBind indicates an unparseable bind address.
	ErrInvalidBind = errors.New("bind address must be host:port")

	// ErrInvalidDiscoveryMode indicates an unrecognized discovery
	// mode.
	ErrInvalidDiscoveryMode = errors.New("discovery.mode must be MULTICAST or UDPBROADCAST")

	// ErrMissingCloudEP indicates multicast discovery without a
	// group address.
	ErrMissingCloudEP = errors.New("discovery.cloud_ep required in MULTICAST mode")

	// ErrMissingRelays indicates broadcast discovery without relay
	// servers.
	ErrMissingRelays = errors.New("discovery.broadcast_servers required in UDPBROADCAST mode")

	// ErrInvalidRetries indicates a non-positive retry budget.
	ErrInvalidRetries = errors.New("session.retries must be >= 1")

	// ErrInvalidBlockSize indicates a block size outside the frame
	// budget.
	ErrInvalidBlockSize = errors.New("transfer.def_block_size must be 1-64000")
)

// Validate checks the configuration for logical errors. Returns the
// first validation error encountered.
func Validate(cfg *Config) error {
	if _, err := cfg.RouterEP(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRouterEP, err)
	}

	if _, err := parseBind(cfg.Router.UdpEP); err != nil {
		return fmt.Errorf("router.udp_ep: %w: %w", ErrInvalidBind, err)
	}
	if _, err := parseBind(cfg.Router.TcpEP); err != nil {
		return fmt.Errorf("router.tcp_ep: %w: %w", ErrInvalidBind, err)
	}

	switch strings.ToUpper(cfg.Discovery.Mode) {
	case "MULTICAST":
		if cfg.Discovery.CloudEP == "" {
			return ErrMissingCloudEP
		}
		if _, err := netip.ParseAddrPort(cfg.Discovery.CloudEP); err != nil {
			return fmt.Errorf("discovery.cloud_ep: %w: %w", ErrInvalidBind, err)
		}
	case "UDPBROADCAST":
		if len(cfg.Discovery.BroadcastServers) == 0 {
			return ErrMissingRelays
		}
		for _, s := range cfg.Discovery.BroadcastServers {
			if _, err := netip.ParseAddrPort(s); err != nil {
				return fmt.Errorf("discovery.broadcast_servers %q: %w: %w", s, ErrInvalidBind, err)
			}
		}
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidDiscoveryMode, cfg.Discovery.Mode)
	}

	if cfg.Session.Retries < 1 {
		return ErrInvalidRetries
	}
	if cfg.Transfer.DefBlockSize < 1 || cfg.Transfer.DefBlockSize > 64000 {
		return ErrInvalidBlockSize
	}

	return nil
}

// -------------------------------------------------------------------------
// Parse Helpers
// -------------------------------------------------------------------------

// RouterEP parses the configured router endpoint.
func (c *Config) RouterEP() (msg.EP, error) {
	ep, err := msg.ParseEP(c.Router.EP)
	if err != nil {
		return msg.EP{}, err
	}
	if !ep.IsPhysical() {
		return msg.EP{}, ErrInvalidRouterEP
	}
	return ep, nil
}

// parseBind parses a host:port bind string; empty means ephemeral.
func parseBind(s string) (netip.AddrPort, error) {
	if s == "" {
		return netip.AddrPort{}, nil
	}
	return netip.ParseAddrPort(s)
}

// UdpBind returns the parsed datagram bind address.
func (c *Config) UdpBind() netip.AddrPort {
	ap, _ := parseBind(c.Router.UdpEP)
	return ap
}

// TcpBind returns the parsed stream bind address.
func (c *Config) TcpBind() netip.AddrPort {
	ap, _ := parseBind(c.Router.TcpEP)
	return ap
}

// CloudAddr returns the parsed multicast group address.
func (c *Config) CloudAddr() netip.AddrPort {
	ap, _ := parseBind(c.Discovery.CloudEP)
	return ap
}

// UplinkAddr returns the parsed hub uplink address.
func (c *Config) UplinkAddr() netip.AddrPort {
	ap, _ := parseBind(c.Discovery.UplinkEP)
	return ap
}

// RelayAddrs returns the parsed broadcast relay addresses.
func (c *Config) RelayAddrs() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(c.Discovery.BroadcastServers))
	for _, s := range c.Discovery.BroadcastServers {
		if ap, err := netip.ParseAddrPort(s); err == nil {
			out = append(out, ap)
		}
	}
	return out
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
