package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/luhtfiimanal/go-serial-bridge/bridge"
)

// Variants select the defaults the bridge starts from.
const (
	VariantPassthrough = "passthrough"
	VariantDiagnostic  = "diagnostic"
)

// Idle strategies.
const (
	IdleBusy = "busy"
	IdlePoll = "poll"
)

// EnvPrefix is prepended to environment overrides, e.g. SERIAL_BRIDGE_DEVICE_PATH.
const EnvPrefix = "SERIAL_BRIDGE"

// Config is the full bridge process configuration.
type Config struct {
	Variant string         `mapstructure:"variant"`
	Device  EndpointConfig `mapstructure:"device"`
	Host    EndpointConfig `mapstructure:"host"`
	Bridge  BridgeConfig   `mapstructure:"bridge"`
	Log     LogConfig      `mapstructure:"log"`
}

// EndpointConfig selects and parameterizes one side of the bridge.
type EndpointConfig struct {
	Driver     string `mapstructure:"driver"` // termios, pty, bugst, tarm
	Path       string `mapstructure:"path"`
	BaudRate   int    `mapstructure:"baud_rate"`
	BufferSize int    `mapstructure:"buffer_size"`
}

// BridgeConfig holds the relay loop settings. Unset fields fall back to
// the selected variant.
type BridgeConfig struct {
	Echo              *bool          `mapstructure:"echo"`
	Tag               string         `mapstructure:"tag"`
	Terminator        string         `mapstructure:"terminator"`
	HeartbeatInterval *time.Duration `mapstructure:"heartbeat_interval"` // 0 disables
	HeartbeatFrame    string         `mapstructure:"heartbeat_frame"`
	WriteRetries      int            `mapstructure:"write_retries"`
	Idle              string         `mapstructure:"idle"`
	MaxIdleWait       time.Duration  `mapstructure:"max_idle_wait"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"` // console or json
	Output string        `mapstructure:"output"` // stdout, file or both
	File   LogFileConfig `mapstructure:"file"`
}

// LogFileConfig configures the rotated log file.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// Load reads configuration from defaults, the optional file at path,
// environment variables and flags, in increasing order of precedence.
// flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("serialbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	// Keys without defaults are invisible to AutomaticEnv during Unmarshal.
	for _, key := range optionalKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyVariant()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// optionalKeys have no default because an unset value means "use the variant's".
var optionalKeys = []string{
	"host.path",
	"device.buffer_size",
	"host.buffer_size",
	"bridge.echo",
	"bridge.tag",
	"bridge.terminator",
	"bridge.heartbeat_interval",
	"bridge.heartbeat_frame",
	"bridge.max_idle_wait",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("variant", VariantDiagnostic)

	v.SetDefault("device.driver", "termios")
	v.SetDefault("device.path", "/dev/ttyUSB0")
	v.SetDefault("device.baud_rate", 115200)

	v.SetDefault("host.driver", "pty")
	v.SetDefault("host.baud_rate", 115200)

	v.SetDefault("bridge.write_retries", 0)
	v.SetDefault("bridge.idle", IdleBusy)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "serialbridge.log")
	v.SetDefault("log.file.max_size", 10)
	v.SetDefault("log.file.max_age", 7)
	v.SetDefault("log.file.max_backups", 3)
	v.SetDefault("log.file.compress", true)
}

// variantDefaults returns the bridge settings a variant starts from.
func variantDefaults(variant string) bridge.Config {
	if variant == VariantPassthrough {
		return bridge.Passthrough()
	}
	return bridge.Diagnostic()
}

// applyVariant fills unset bridge and buffer settings from the variant.
func (c *Config) applyVariant() {
	def := variantDefaults(c.Variant)
	if c.Device.BufferSize == 0 {
		c.Device.BufferSize = def.DeviceBufferSize
	}
	if c.Host.BufferSize == 0 {
		c.Host.BufferSize = def.HostBufferSize
	}
	if c.Bridge.Echo == nil {
		echo := def.Echo
		c.Bridge.Echo = &echo
	}
	if c.Bridge.HeartbeatInterval == nil {
		interval := def.HeartbeatInterval
		c.Bridge.HeartbeatInterval = &interval
	}
	if c.Bridge.Tag == "" {
		c.Bridge.Tag = bridge.DefaultTag
	}
	if c.Bridge.Terminator == "" {
		c.Bridge.Terminator = bridge.DefaultTerminator
	}
	if c.Bridge.HeartbeatFrame == "" {
		c.Bridge.HeartbeatFrame = bridge.DefaultHeartbeatFrame
	}
	if c.Bridge.MaxIdleWait == 0 {
		c.Bridge.MaxIdleWait = def.MaxIdleWait
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Variant {
	case VariantPassthrough, VariantDiagnostic:
	default:
		return fmt.Errorf("unknown variant %q", c.Variant)
	}
	switch c.Device.Driver {
	case "termios", "bugst", "tarm":
	default:
		return fmt.Errorf("unknown device driver %q", c.Device.Driver)
	}
	if c.Device.Path == "" {
		return errors.New("device.path is required")
	}
	switch c.Host.Driver {
	case "pty":
	case "termios", "bugst", "tarm":
		if c.Host.Path == "" {
			return fmt.Errorf("host.path is required for driver %q", c.Host.Driver)
		}
	default:
		return fmt.Errorf("unknown host driver %q", c.Host.Driver)
	}
	if c.Device.BaudRate <= 0 || c.Host.BaudRate <= 0 {
		return errors.New("baud_rate must be positive")
	}
	if c.Device.BufferSize <= 0 || c.Host.BufferSize <= 0 {
		return errors.New("buffer_size must be positive")
	}
	if c.Bridge.HeartbeatInterval != nil && *c.Bridge.HeartbeatInterval < 0 {
		return errors.New("bridge.heartbeat_interval must not be negative")
	}
	if c.Bridge.WriteRetries < 0 {
		return errors.New("bridge.write_retries must not be negative")
	}
	switch c.Bridge.Idle {
	case IdleBusy, IdlePoll:
	default:
		return fmt.Errorf("unknown idle strategy %q", c.Bridge.Idle)
	}
	return nil
}

// BridgeConfig converts the loaded settings into a bridge.Config. Clock,
// Waiter and Logger are left for the caller to set.
func (c *Config) BridgeConfig() bridge.Config {
	bc := variantDefaults(c.Variant)
	bc.HostBufferSize = c.Host.BufferSize
	bc.DeviceBufferSize = c.Device.BufferSize
	bc.Echo = c.Bridge.Echo != nil && *c.Bridge.Echo
	bc.Tag = []byte(c.Bridge.Tag)
	bc.Terminator = []byte(c.Bridge.Terminator)
	if c.Bridge.HeartbeatInterval != nil {
		bc.HeartbeatInterval = *c.Bridge.HeartbeatInterval
	}
	bc.HeartbeatFrame = []byte(c.Bridge.HeartbeatFrame)
	bc.WriteRetries = c.Bridge.WriteRetries
	bc.MaxIdleWait = c.Bridge.MaxIdleWait
	return bc
}
