// Package config loads farfs and farfsd settings. Values are taken from
// defaults, then an optional YAML file, then FARFS_* environment variables.
// Command line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "FARFS"

var validate = validator.New()

// Log configures logging.
type Log struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=logfmt json"`
}

// Server configures farfsd.
type Server struct {
	Port   int    `mapstructure:"port" validate:"min=1,max=65535"`
	Target string `mapstructure:"target" validate:"required"`

	// ExitToken lets a remote peer stop the server. Empty allows only
	// loopback peers.
	ExitToken string `mapstructure:"exit_token"`

	Workers        int           `mapstructure:"workers" validate:"min=1"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gte=0"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	ReplyCacheSize int           `mapstructure:"reply_cache_size" validate:"min=1"`
	ReplyCacheTTL  time.Duration `mapstructure:"reply_cache_ttl" validate:"gt=0"`

	// RateLimit is the number of datagrams accepted per second. 0 disables
	// rate limiting.
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"gte=0"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	Log         Log    `mapstructure:"log"`
}

// DefaultServer holds defaults for Server.
var DefaultServer = Server{
	Port:           6000,
	Workers:        16,
	IdleTimeout:    5 * time.Minute,
	ReplyCacheSize: 1024,
	ReplyCacheTTL:  30 * time.Second,
	RateBurst:      256,
	Log:            Log{Level: "info", Format: "logfmt"},
}

// Client configures farfs.
type Client struct {
	// Remote is the host:directory to mount.
	Remote     string `mapstructure:"remote" validate:"required"`
	Mountpoint string `mapstructure:"mountpoint" validate:"required"`

	SSHPort      int    `mapstructure:"ssh_port" validate:"min=1,max=65535"`
	Identity     string `mapstructure:"identity"`
	ServerBinary string `mapstructure:"server_binary" validate:"required"`
	DataPort     int    `mapstructure:"data_port" validate:"min=1,max=65535"`

	// NoBootstrap skips starting the server over ssh; it must already be
	// running. ServerAddr overrides the address of the server.
	NoBootstrap bool   `mapstructure:"no_bootstrap"`
	ServerAddr  string `mapstructure:"server_addr"`

	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Attempts  int           `mapstructure:"attempts" validate:"min=1"`
	AttrValid time.Duration `mapstructure:"attr_valid" validate:"gte=0"`

	// StartupDelay is how long to wait for a bootstrapped server before
	// probing it.
	StartupDelay time.Duration `mapstructure:"startup_delay" validate:"gte=0"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	Log         Log    `mapstructure:"log"`

	// MountArgs are passed to the mount layer.
	MountArgs []string `mapstructure:"mount_args"`
}

// DefaultClient holds defaults for Client.
var DefaultClient = Client{
	SSHPort:      22,
	ServerBinary: "farfsd",
	DataPort:     6000,
	Timeout:      500 * time.Millisecond,
	Attempts:     6,
	AttrValid:    time.Second,
	StartupDelay: time.Second,
	Log:          Log{Level: "info", Format: "logfmt"},
}

// LoadServer loads server settings. path may be empty to skip reading a
// file.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadClient loads client settings. path may be empty to skip reading a
// file.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func load(path string, out interface{}) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default for AutomaticEnv to apply to it during
	// Unmarshal.
	setDefaults(v, "", reflect.ValueOf(out).Elem())

	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return fmt.Errorf("expanding config path: %w", err)
		}
		v.SetConfigFile(expanded)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper, prefix string, rv reflect.Value) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		key := field.Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}

		fv := rv.Field(i)
		if fv.Kind() == reflect.Struct {
			setDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

// Validate checks a loaded Server or Client.
func Validate(cfg interface{}) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	var errs validator.ValidationErrors
	if errors.As(err, &errs) && len(errs) > 0 {
		e := errs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}

// SplitRemote splits a host:directory string. The directory is required.
func SplitRemote(remote string) (host, dir string, err error) {
	host, dir, ok := strings.Cut(remote, ":")
	if !ok || host == "" || dir == "" {
		return "", "", fmt.Errorf("remote %q must be in the form host:directory", remote)
	}
	return host, dir, nil
}
