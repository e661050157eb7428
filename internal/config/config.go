// Package config loads peer configuration from defaults, an optional YAML
// file and ZEPHYR_* environment variables, in increasing precedence.
package config

import (
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ZEPHYR_PEER_TOPIC.
const EnvPrefix = "ZEPHYR"

type Config struct {
	Peer       PeerConfig       `mapstructure:"peer"`
	Etcd       EtcdConfig       `mapstructure:"etcd"`
	Polling    PollingConfig    `mapstructure:"polling"`
	Membership MembershipConfig `mapstructure:"membership"`
	Queue      QueueConfig      `mapstructure:"queue"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type PeerConfig struct {
	Name  string `mapstructure:"name"`
	Topic string `mapstructure:"topic"`
	// KeyFile holds a hex ed25519 seed. Empty means a fresh key per run.
	KeyFile string `mapstructure:"key_file"`
	// BufferBytes caps the message buffer; 0 is unlimited.
	BufferBytes int `mapstructure:"buffer_bytes"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Prefix      string        `mapstructure:"prefix"`
	BlobCache   int           `mapstructure:"blob_cache"`
}

// PollingConfig drives the three periodic tasks and the rate controller.
type PollingConfig struct {
	MembershipInterval time.Duration `mapstructure:"membership_interval"`
	MessageInterval    time.Duration `mapstructure:"message_interval"`
	MaintainInterval   time.Duration `mapstructure:"maintain_interval"`
	MinInterval        time.Duration `mapstructure:"min_interval"`
	MaxInterval        time.Duration `mapstructure:"max_interval"`
	IntervalStep       time.Duration `mapstructure:"interval_step"`
	DecreaseLimit      time.Duration `mapstructure:"decrease_limit"`
	IncreaseLimit      time.Duration `mapstructure:"increase_limit"`
	FetchIncreaseLimit time.Duration `mapstructure:"fetch_increase_limit"`
	FetchDecreaseLimit time.Duration `mapstructure:"fetch_decrease_limit"`
	LatencyWindow      int           `mapstructure:"latency_window"`
}

type MembershipConfig struct {
	IdleWindow       time.Duration `mapstructure:"idle_window"`
	MemberLimit      int           `mapstructure:"member_limit"`
	ElectionFraction float64       `mapstructure:"election_fraction"`
	CompactAfter     int           `mapstructure:"compact_after"`
	Freshness        time.Duration `mapstructure:"freshness"`
}

type QueueConfig struct {
	Mode               string        `mapstructure:"mode"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	MaxParallelCeiling int           `mapstructure:"max_parallel_ceiling"`
	OpTimeout          time.Duration `mapstructure:"op_timeout"`
	RetryAttempts      int           `mapstructure:"retry_attempts"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
}

type HTTPConfig struct {
	// Listen is host:port for diagnostics; empty disables the server.
	Listen string `mapstructure:"listen"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Default() *Config {
	return &Config{
		Peer: PeerConfig{
			Name:        "anonymous",
			Topic:       "lobby",
			BufferBytes: 8 << 20,
		},
		Etcd: EtcdConfig{
			Endpoints:   []string{"http://127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
			Prefix:      "/zephyrchat",
			BlobCache:   1024,
		},
		Polling: PollingConfig{
			MembershipInterval: 2 * time.Second,
			MessageInterval:    time.Second,
			MaintainInterval:   10 * time.Second,
			MinInterval:        500 * time.Millisecond,
			MaxInterval:        5 * time.Second,
			IntervalStep:       250 * time.Millisecond,
			DecreaseLimit:      time.Second,
			IncreaseLimit:      400 * time.Millisecond,
			FetchIncreaseLimit: 800 * time.Millisecond,
			FetchDecreaseLimit: 300 * time.Millisecond,
			LatencyWindow:      1000,
		},
		Membership: MembershipConfig{
			IdleWindow:       10 * time.Minute,
			MemberLimit:      30,
			ElectionFraction: 0.3,
			CompactAfter:     16,
			Freshness:        time.Minute,
		},
		Queue: QueueConfig{
			Mode:               "async",
			MaxParallel:        4,
			MaxParallelCeiling: 16,
			OpTimeout:          1200 * time.Millisecond,
			RetryAttempts:      3,
			RetryDelay:         250 * time.Millisecond,
		},
		HTTP:    HTTPConfig{Listen: ":8080"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// SetDefaults registers every default with v so env and file overrides
// can be layered on top.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("peer.name", d.Peer.Name)
	v.SetDefault("peer.topic", d.Peer.Topic)
	v.SetDefault("peer.key_file", d.Peer.KeyFile)
	v.SetDefault("peer.buffer_bytes", d.Peer.BufferBytes)

	v.SetDefault("etcd.endpoints", d.Etcd.Endpoints)
	v.SetDefault("etcd.dial_timeout", d.Etcd.DialTimeout)
	v.SetDefault("etcd.prefix", d.Etcd.Prefix)
	v.SetDefault("etcd.blob_cache", d.Etcd.BlobCache)

	v.SetDefault("polling.membership_interval", d.Polling.MembershipInterval)
	v.SetDefault("polling.message_interval", d.Polling.MessageInterval)
	v.SetDefault("polling.maintain_interval", d.Polling.MaintainInterval)
	v.SetDefault("polling.min_interval", d.Polling.MinInterval)
	v.SetDefault("polling.max_interval", d.Polling.MaxInterval)
	v.SetDefault("polling.interval_step", d.Polling.IntervalStep)
	v.SetDefault("polling.decrease_limit", d.Polling.DecreaseLimit)
	v.SetDefault("polling.increase_limit", d.Polling.IncreaseLimit)
	v.SetDefault("polling.fetch_increase_limit", d.Polling.FetchIncreaseLimit)
	v.SetDefault("polling.fetch_decrease_limit", d.Polling.FetchDecreaseLimit)
	v.SetDefault("polling.latency_window", d.Polling.LatencyWindow)

	v.SetDefault("membership.idle_window", d.Membership.IdleWindow)
	v.SetDefault("membership.member_limit", d.Membership.MemberLimit)
	v.SetDefault("membership.election_fraction", d.Membership.ElectionFraction)
	v.SetDefault("membership.compact_after", d.Membership.CompactAfter)
	v.SetDefault("membership.freshness", d.Membership.Freshness)

	v.SetDefault("queue.mode", d.Queue.Mode)
	v.SetDefault("queue.max_parallel", d.Queue.MaxParallel)
	v.SetDefault("queue.max_parallel_ceiling", d.Queue.MaxParallelCeiling)
	v.SetDefault("queue.op_timeout", d.Queue.OpTimeout)
	v.SetDefault("queue.retry_attempts", d.Queue.RetryAttempts)
	v.SetDefault("queue.retry_delay", d.Queue.RetryDelay)

	v.SetDefault("http.listen", d.HTTP.Listen)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// New returns a viper instance with defaults and env binding in place.
// If file is non-empty it is read as YAML.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Load reads v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	// Env values for list keys arrive as one comma-separated string.
	if len(cfg.Etcd.Endpoints) == 1 && strings.Contains(cfg.Etcd.Endpoints[0], ",") {
		cfg.Etcd.Endpoints = strings.Split(cfg.Etcd.Endpoints[0], ",")
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// NormalizeHostPort strips an http(s) scheme and adds defPort when addr
// carries no port.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}
