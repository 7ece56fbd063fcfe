package main

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// config is the process's complete runtime configuration: flags override
// environment variables, which override a config file, which override
// the defaults returned by defaultConfig.
type config struct {
	SchemaDir      string        `mapstructure:"schema-dir"`
	DatastoreDir   string        `mapstructure:"datastore-dir"`
	ListenAddress  string        `mapstructure:"listen-address"`
	HostKeyPath    string        `mapstructure:"host-key-path"`
	MaxSessions    int           `mapstructure:"max-sessions"`
	AuditConfig    string        `mapstructure:"audit-config"`
	AuditOutput    string        `mapstructure:"audit-output"`
	ReceiveTimeout time.Duration `mapstructure:"receive-timeout"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
}

func defaultConfig() config {
	return config{
		SchemaDir:      "/etc/netconfd/schema",
		DatastoreDir:   "/var/lib/netconfd/data",
		ListenAddress:  ":830",
		HostKeyPath:    "/var/lib/netconfd/host_key",
		MaxSessions:    4,
		AuditConfig:    "/etc/netconfd/audit.conf",
		AuditOutput:    "/var/log/netconfd/audit.log",
		ReceiveTimeout: 60 * time.Second,
		Username:       "admin",
		Password:       "admin",
	}
}

// loadConfig applies flags > environment (NETCONFD_*) > config file >
// defaults.
func loadConfig(flags *pflag.FlagSet, configFile string) (*config, error) {
	v := viper.New()
	def := defaultConfig()
	v.SetDefault("schema-dir", def.SchemaDir)
	v.SetDefault("datastore-dir", def.DatastoreDir)
	v.SetDefault("listen-address", def.ListenAddress)
	v.SetDefault("host-key-path", def.HostKeyPath)
	v.SetDefault("max-sessions", def.MaxSessions)
	v.SetDefault("audit-config", def.AuditConfig)
	v.SetDefault("audit-output", def.AuditOutput)
	v.SetDefault("receive-timeout", def.ReceiveTimeout)
	v.SetDefault("username", def.Username)
	v.SetDefault("password", def.Password)

	v.SetEnvPrefix("NETCONFD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", configFile)
		}
	}

	if err := v.BindPFlags(flags); err != nil {
		return nil, errors.Wrap(err, "binding flags")
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	return &cfg, nil
}
