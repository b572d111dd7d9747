package main

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"kasa-go-home/internal/discovery"
	"kasa-go-home/internal/protocol"
)

type Config struct {
	Discovery struct {
		Interface       string   `yaml:"interface"` // takes precedence over source
		Source          string   `yaml:"source"`
		Broadcast       string   `yaml:"broadcast"`
		ListenTimeout   Duration `yaml:"listen_timeout"`
		Interval        Duration `yaml:"interval"`
		SeenTTL         Duration `yaml:"seen_ttl"`
		TCPTimeout      Duration `yaml:"tcp_timeout"`
		PollInterval    Duration `yaml:"poll_interval"` // 0 disables polling
		PollConcurrency int      `yaml:"poll_concurrency"`
	} `yaml:"discovery"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   Duration `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

// Duration accepts Go duration strings such as "2s" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

var envRef = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnv replaces ${VAR} and ${VAR:default}. Unset or empty variables take
// the default, which may itself be empty.
func expandEnv(input string) string {
	return envRef.ReplaceAllStringFunc(input, func(match string) string {
		parts := envRef.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Discovery.Broadcast == "" {
		cfg.Discovery.Broadcast = protocol.DefaultBroadcast.String()
	}
	if cfg.Discovery.ListenTimeout == 0 {
		cfg.Discovery.ListenTimeout = Duration(2 * time.Second)
	}
	if cfg.Discovery.Interval == 0 {
		cfg.Discovery.Interval = Duration(discovery.DefaultInterval)
	}
	if cfg.Discovery.TCPTimeout == 0 {
		cfg.Discovery.TCPTimeout = Duration(protocol.DefaultTimeout)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "kasa-home.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "kasa"
	}
	if cfg.Exec.Timeout == 0 {
		cfg.Exec.Timeout = Duration(10 * time.Second)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Discovery.Source != "" {
		ip, err := netip.ParseAddr(c.Discovery.Source)
		if err != nil || !ip.Is4() {
			return fmt.Errorf("discovery.source must be an IPv4 address, got %q", c.Discovery.Source)
		}
	}
	if _, err := netip.ParseAddrPort(c.Discovery.Broadcast); err != nil {
		return fmt.Errorf("discovery.broadcast must be ip:port: %w", err)
	}
	if c.Discovery.ListenTimeout < 0 || c.Discovery.Interval < 0 || c.Discovery.SeenTTL < 0 || c.Discovery.PollInterval < 0 {
		return fmt.Errorf("discovery durations must not be negative")
	}
	if c.Discovery.PollConcurrency < 0 {
		return fmt.Errorf("discovery.poll_concurrency must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	for _, p := range c.Exec.Allowlist {
		if len(p) == 0 || p[0] != '/' {
			return fmt.Errorf("exec.allowlist entries must be absolute paths, got %q", p)
		}
	}
	return nil
}

// tcpTimeout clamps the configured per-exchange timeout to 1-5s.
func (c *Config) tcpTimeout() time.Duration {
	t := c.Discovery.TCPTimeout.Duration()
	if t < time.Second {
		return time.Second
	}
	if t > protocol.DefaultTimeout {
		return protocol.DefaultTimeout
	}
	return t
}

// discoveryConfig resolves the broadcast settings, reading the source
// address from discovery.interface when one is named.
func (c *Config) discoveryConfig() (discovery.Config, error) {
	out := discovery.Config{
		ListenTimeout: c.Discovery.ListenTimeout.Duration(),
		SeenTTL:       c.Discovery.SeenTTL.Duration(),
	}
	target, err := netip.ParseAddrPort(c.Discovery.Broadcast)
	if err != nil {
		return out, fmt.Errorf("discovery.broadcast: %w", err)
	}
	out.Target = target

	if c.Discovery.Interface != "" {
		src, err := interfaceIPv4(c.Discovery.Interface)
		if err != nil {
			return out, err
		}
		out.Source = src
		return out, nil
	}
	if c.Discovery.Source != "" {
		out.Source, err = netip.ParseAddr(c.Discovery.Source)
		if err != nil {
			return out, fmt.Errorf("discovery.source: %w", err)
		}
	}
	return out, nil
}

func interfaceIPv4(name string) (netip.Addr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("interface %q: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("interface %q addresses: %w", name, err)
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			ip, _ := netip.AddrFromSlice(ip4)
			return ip, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("interface %q has no IPv4 address", name)
}
