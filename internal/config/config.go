package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/ipmimon/internal/errors"
	"codeberg.org/mutker/ipmimon/internal/journal"
	"codeberg.org/mutker/ipmimon/internal/poller"
	"codeberg.org/mutker/ipmimon/internal/protocol"
	"codeberg.org/mutker/ipmimon/internal/session"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix      = "IPMIMON"
	DefaultPort           = 623
	DefaultInterval       = 5 * time.Second
	DefaultTimeout        = 5 * time.Second
	DefaultSessionTimeout = 60 * time.Second
	DefaultLogLevel       = "info"
	DefaultPIDFile        = "/run/ipmimon.pid"
	DefaultJournalPath    = "/var/lib/ipmimon/journal.db"
)

type Config struct {
	Address        string        `mapstructure:"address"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Interval       time.Duration `mapstructure:"interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	LogLevel       string        `mapstructure:"log_level"`
	Listen         string        `mapstructure:"listen"`
	PIDFile        string        `mapstructure:"pid_file"`
	Journal        JournalConfig `mapstructure:"journal"`
	Sensors        SensorConfig  `mapstructure:"sensors"`
}

type JournalConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Path          string        `mapstructure:"path"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// SensorConfig holds controller sensor numbers.
type SensorConfig struct {
	Power            int `mapstructure:"power"`
	CPUTemperature   int `mapstructure:"cpu_temperature"`
	InletTemperature int `mapstructure:"inlet_temperature"`
	FanSpeed         int `mapstructure:"fan_speed"`
	Energy           int `mapstructure:"energy"`
}

// flagBinding ties a command line flag to its configuration key.
type flagBinding struct {
	flag string
	key  string
}

var flagBindings = []flagBinding{
	{"address", "address"},
	{"port", "port"},
	{"username", "username"},
	{"password", "password"},
	{"interval", "interval"},
	{"timeout", "timeout"},
	{"session-timeout", "session_timeout"},
	{"log-level", "log_level"},
	{"listen", "listen"},
	{"pid-file", "pid_file"},
	{"journal", "journal.enabled"},
	{"journal-path", "journal.path"},
}

func setDefaults(v *viper.Viper) {
	jc := journal.DefaultConfig()

	v.SetDefault("address", "")
	v.SetDefault("port", DefaultPort)
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("timeout", DefaultTimeout)
	v.SetDefault("session_timeout", DefaultSessionTimeout)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("listen", "")
	v.SetDefault("pid_file", DefaultPIDFile)
	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.path", DefaultJournalPath)
	v.SetDefault("journal.batch_size", jc.BatchSize)
	v.SetDefault("journal.flush_interval", jc.FlushInterval)
	v.SetDefault("sensors.power", protocol.SensorPower)
	v.SetDefault("sensors.cpu_temperature", protocol.SensorCPUTemperature)
	v.SetDefault("sensors.inlet_temperature", protocol.SensorInletTemperature)
	v.SetDefault("sensors.fan_speed", protocol.SensorFanSpeed)
	v.SetDefault("sensors.energy", protocol.SensorEnergy)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("ipmimon", pflag.ContinueOnError)

	fs.String("config", "", "Configuration file (TOML)")
	fs.String("address", "", "Management controller address")
	fs.Int("port", DefaultPort, "Management controller UDP port")
	fs.String("username", "", "Session username")
	fs.String("password", "", "Session password")
	fs.Duration("interval", DefaultInterval, "Interval between polls")
	fs.Duration("timeout", DefaultTimeout, "Per-request timeout")
	fs.Duration("session-timeout", DefaultSessionTimeout, "Idle time after which a session is renewed")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.String("listen", "", "HTTP listen address, empty to disable")
	fs.String("pid-file", DefaultPIDFile, "PID file path")
	fs.Bool("journal", false, "Record power cap commands to the journal")
	fs.String("journal-path", DefaultJournalPath, "Journal database path")

	return fs
}

// Load reads configuration from defaults, a TOML file, the environment and
// args (command line flags, without the program name), in increasing
// precedence, and validates the result.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	for _, b := range flagBindings {
		if err := v.BindPFlag(b.key, fs.Lookup(b.flag)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := o.configPath
	if path := os.Getenv(o.envPrefix + "_CONFIG"); path != "" {
		configPath = path
	}
	if f := fs.Lookup("config"); f != nil && f.Changed {
		configPath = f.Value.String()
	}

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	errFactory := errors.New()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
		return nil
	}

	v.SetConfigName("ipmimon")
	v.SetConfigType("toml")
	v.AddConfigPath("/etc/ipmimon")
	v.AddConfigPath("/etc")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	return nil
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Address == "" {
		return errFactory.WithData(errors.ErrMissingConfig, "address")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("port=%d", c.Port))
	}
	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval.String())
	}
	if c.Timeout <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("timeout=%s", c.Timeout))
	}
	if c.SessionTimeout <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("session_timeout=%s", c.SessionTimeout))
	}
	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	sensors := map[string]int{
		"sensors.power":             c.Sensors.Power,
		"sensors.cpu_temperature":   c.Sensors.CPUTemperature,
		"sensors.inlet_temperature": c.Sensors.InletTemperature,
		"sensors.fan_speed":         c.Sensors.FanSpeed,
		"sensors.energy":            c.Sensors.Energy,
	}
	for key, n := range sensors {
		if n < 0 || n > 255 {
			return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("%s=%d", key, n))
		}
	}

	if err := c.JournalConfig().Validate(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	return nil
}

// Endpoint returns the controller endpoint.
func (c *Config) Endpoint() session.Endpoint {
	return session.Endpoint{
		Address:  c.Address,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
	}
}

func (c *Config) JournalConfig() journal.Config {
	return journal.Config{
		Enabled:       c.Journal.Enabled,
		Path:          c.Journal.Path,
		BatchSize:     c.Journal.BatchSize,
		FlushInterval: c.Journal.FlushInterval,
	}
}

// SensorMap returns the sensor numbers to poll. Validate guarantees they fit a byte.
func (c *Config) SensorMap() poller.Sensors {
	return poller.Sensors{
		Power:            uint8(c.Sensors.Power),
		CPUTemperature:   uint8(c.Sensors.CPUTemperature),
		InletTemperature: uint8(c.Sensors.InletTemperature),
		FanSpeed:         uint8(c.Sensors.FanSpeed),
		Energy:           uint8(c.Sensors.Energy),
	}
}
