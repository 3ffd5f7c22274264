// Package config assembles the gateway's runtime configuration the way the
// teacher layers its own: built-in defaults, overridden by an optional YAML
// file (gopkg.in/yaml.v3, the way pkg/client.LoadConfig merges a config.yml
// over GetDefaultConfig), overridden in turn by VNAT_-prefixed environment
// variables (github.com/sethvargo/go-envconfig, the way pkg/client.LoadEnv's
// Env layers over defaults), overridden last by explicit CLI flags.
package config

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"golang.org/x/net/proxy"
	"gopkg.in/yaml.v3"

	"github.com/vnat-project/vnat/pkg/subnet"
)

// Config is the gateway's complete runtime configuration (spec.md §6's
// "CLI / configuration" surface).
// Env field tags carry no "default=": a default supplied here would apply
// unconditionally on every LoadEnv call and clobber whatever the YAML layer
// below it set, inverting the intended flags > env > yaml > built-in
// precedence. Built-in defaults live solely in Default and Resolve.
type Config struct {
	// Interface is the capture interface's device name.
	Interface string `yaml:"interface" env:"VNAT_IFACE"`

	// SourceSubnetCIDR is the one subnet the Redirector accepts inbound
	// frames from (spec non-goal: routing beyond a single source subnet).
	SourceSubnetCIDR string `yaml:"sourceSubnet" env:"VNAT_SOURCE_SUBNET"`

	// GatewayIP is the fictitious gateway address the tool ARPs for.
	GatewayIP string `yaml:"gatewayIP" env:"VNAT_GATEWAY_IP"`

	// LocalIP is the gateway's own address on the capture interface, used to
	// recognize (and ignore) frames it sent itself.
	LocalIP string `yaml:"localIP" env:"VNAT_LOCAL_IP"`

	// LocalMTU bounds both the advertised TCP MSS and UDP fragmentation
	// threshold absent a smaller path MTU learned via ICMP.
	LocalMTU int `yaml:"localMTU" env:"VNAT_LOCAL_MTU"`

	// SocksAddr is the upstream SOCKS5 proxy's "host:port".
	SocksAddr string `yaml:"socksAddr" env:"VNAT_SOCKS_ADDR"`
	// SocksUsername/SocksPassword are optional SOCKS5 username/password
	// authentication credentials.
	SocksUsername string `yaml:"socksUsername" env:"VNAT_SOCKS_USERNAME"`
	SocksPassword string `yaml:"socksPassword" env:"VNAT_SOCKS_PASSWORD"`

	// ForceAssociateDst overrides the destination sent in the UDP ASSOCIATE
	// request (spec §6), for proxies that validate or ignore it
	// idiosyncratically. ForceAssociateBindAddr sets the local IP the
	// association's UDP socket binds to.
	ForceAssociateDst      string `yaml:"forceAssociateDst" env:"VNAT_FORCE_ASSOCIATE_DST"`
	ForceAssociateBindAddr string `yaml:"forceAssociateBindAddr" env:"VNAT_FORCE_ASSOCIATE_BIND_ADDR"`

	// TickInterval is how often the retransmission timer (spec §5's
	// "Timers") runs across every admitted flow.
	TickInterval time.Duration `yaml:"tickInterval" env:"VNAT_TICK_INTERVAL"`

	// LogLevel is a logrus level name ("debug", "info", "warn", "error").
	LogLevel string `yaml:"logLevel" env:"VNAT_LOG_LEVEL"`

	// SnapLen bounds how much of each captured frame pcap copies per read.
	SnapLen int `yaml:"snapLen" env:"VNAT_SNAPLEN"`
}

// Resolved is Config with its string fields parsed into the types the rest
// of the program actually consumes, and validated for mutual consistency.
type Resolved struct {
	Interface    string
	SourceSubnet *net.IPNet
	GatewayIP    net.IP
	LocalIP      net.IP
	LocalMTU     int
	SnapLen      int
	TickInterval time.Duration
	LogLevel     string

	SocksAddr string
	SocksAuth *proxy.Auth

	ForceAssociateDst      *net.UDPAddr
	ForceAssociateBindAddr net.IP
}

// Default returns the built-in defaults, the bottom of the layering stack.
func Default() Config {
	return Config{
		LocalMTU:     1500,
		TickInterval: 100 * time.Millisecond,
		LogLevel:     "info",
		SnapLen:      65535,
	}
}

// LoadFile merges a YAML config file's contents over cfg's existing values.
// A missing file is not an error: the layer below simply has nothing to
// contribute.
func LoadFile(cfg Config, path string) (Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var fileCfg Config
	if err := yaml.Unmarshal(bs, &fileCfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.merge(fileCfg)
	return cfg, nil
}

// Override returns c with every field o sets to a non-zero value applied
// on top, the same precedence rule LoadFile/LoadEnv use internally. It is
// the exported entry point for the CLI-flag layer, the one layer above
// LoadFile/LoadEnv that lives outside this package.
func (c Config) Override(o Config) Config {
	c.merge(o)
	return c
}

// merge overwrites every field in c that o sets to a non-zero value.
func (c *Config) merge(o Config) {
	if o.Interface != "" {
		c.Interface = o.Interface
	}
	if o.SourceSubnetCIDR != "" {
		c.SourceSubnetCIDR = o.SourceSubnetCIDR
	}
	if o.GatewayIP != "" {
		c.GatewayIP = o.GatewayIP
	}
	if o.LocalIP != "" {
		c.LocalIP = o.LocalIP
	}
	if o.LocalMTU != 0 {
		c.LocalMTU = o.LocalMTU
	}
	if o.SocksAddr != "" {
		c.SocksAddr = o.SocksAddr
	}
	if o.SocksUsername != "" {
		c.SocksUsername = o.SocksUsername
	}
	if o.SocksPassword != "" {
		c.SocksPassword = o.SocksPassword
	}
	if o.ForceAssociateDst != "" {
		c.ForceAssociateDst = o.ForceAssociateDst
	}
	if o.ForceAssociateBindAddr != "" {
		c.ForceAssociateBindAddr = o.ForceAssociateBindAddr
	}
	if o.TickInterval != 0 {
		c.TickInterval = o.TickInterval
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.SnapLen != 0 {
		c.SnapLen = o.SnapLen
	}
}

// LoadEnv overlays VNAT_-prefixed environment variables atop cfg, the way
// pkg/client.LoadEnv's sethvargo/go-envconfig layering works, one level up
// the stack from the YAML file.
func LoadEnv(ctx context.Context, cfg Config) (Config, error) {
	var env Config
	if err := envconfig.Process(ctx, &env); err != nil {
		return cfg, fmt.Errorf("config: processing environment: %w", err)
	}
	cfg.merge(env)
	return cfg, nil
}

// Resolve parses and validates cfg, producing the typed Resolved form the
// rest of the program consumes. It is the single place configuration errors
// surface before the gateway starts capturing traffic.
func (c Config) Resolve() (Resolved, error) {
	var r Resolved
	r.Interface = c.Interface
	if r.Interface == "" {
		return r, fmt.Errorf("config: interface is required")
	}

	_, sn, err := net.ParseCIDR(c.SourceSubnetCIDR)
	if err != nil {
		return r, fmt.Errorf("config: invalid source subnet %q: %w", c.SourceSubnetCIDR, err)
	}
	r.SourceSubnet = sn

	r.GatewayIP = net.ParseIP(c.GatewayIP).To4()
	if r.GatewayIP == nil {
		return r, fmt.Errorf("config: invalid gateway IP %q", c.GatewayIP)
	}
	r.LocalIP = net.ParseIP(c.LocalIP).To4()
	if r.LocalIP == nil {
		return r, fmt.Errorf("config: invalid local IP %q", c.LocalIP)
	}

	gatewayHost := &net.IPNet{IP: r.GatewayIP, Mask: net.CIDRMask(32, 32)}
	if !subnet.Covers(sn, gatewayHost) {
		return r, fmt.Errorf("config: gateway IP %s does not belong to source subnet %s", r.GatewayIP, sn)
	}

	if c.SocksAddr == "" {
		return r, fmt.Errorf("config: socks address is required")
	}
	r.SocksAddr = c.SocksAddr
	if c.SocksUsername != "" {
		r.SocksAuth = &proxy.Auth{User: c.SocksUsername, Password: c.SocksPassword}
	}

	if c.ForceAssociateDst != "" {
		addr, err := net.ResolveUDPAddr("udp4", c.ForceAssociateDst)
		if err != nil {
			return r, fmt.Errorf("config: invalid force-associate-dst %q: %w", c.ForceAssociateDst, err)
		}
		r.ForceAssociateDst = addr
	}
	if c.ForceAssociateBindAddr != "" {
		ip := net.ParseIP(c.ForceAssociateBindAddr)
		if ip == nil {
			return r, fmt.Errorf("config: invalid force-associate-bind-addr %q", c.ForceAssociateBindAddr)
		}
		r.ForceAssociateBindAddr = ip
	}

	r.LocalMTU = c.LocalMTU
	if r.LocalMTU <= 0 {
		r.LocalMTU = 1500
	}
	r.SnapLen = c.SnapLen
	if r.SnapLen <= 0 {
		r.SnapLen = 65535
	}
	r.TickInterval = c.TickInterval
	if r.TickInterval <= 0 {
		r.TickInterval = 100 * time.Millisecond
	}
	r.LogLevel = c.LogLevel
	if r.LogLevel == "" {
		r.LogLevel = "info"
	}
	return r, nil
}
