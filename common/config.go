package common

import "github.com/spf13/viper"

// ===============================================================================
// Quote Feed Related Config

// GeneratorConfig defines parameters for the quote generator
type GeneratorConfig struct {
	// IntervalMS is the duration between quote generation rounds in milliseconds
	IntervalMS int `mapstructure:"interval_ms" json:"interval_ms" validate:"required,gte=1"`
	// Volatility is the max relative price change per generation round
	Volatility float64 `mapstructure:"volatility" json:"volatility" validate:"required,gt=0,lt=1"`
	// TickerFile is the newline delimited ticker catalog file
	TickerFile string `mapstructure:"ticker_file" json:"ticker_file" validate:"required"`
}

// HeartbeatConfig defines parameters for the client liveness channel
type HeartbeatConfig struct {
	// Port is the UDP port the heartbeat listener binds to
	Port int `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// TimeoutSec is the max duration without a heartbeat before a session
	// is evicted in seconds
	TimeoutSec int `mapstructure:"timeout_sec" json:"timeout_sec" validate:"required,gte=1"`
}

// ControlConfig defines parameters for the control channel listener
type ControlConfig struct {
	// ListenOn is the interface the TCP listener will bind to
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the TCP port the control listener binds to
	Port int `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
}

// ===============================================================================
// Monitor API Related Config

// MonitorServerConfig defines the monitoring HTTP server parameters
type MonitorServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port int `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
}

// ===============================================================================
// Complete Config

// ServerConfig defines the complete quote feed server config
type ServerConfig struct {
	// Control are the control channel config parameters
	Control ControlConfig `mapstructure:"control" json:"control" validate:"required,dive"`
	// Heartbeat are the liveness channel config parameters
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" json:"heartbeat" validate:"required,dive"`
	// Generator are the quote generator config parameters
	Generator GeneratorConfig `mapstructure:"generator" json:"generator" validate:"required,dive"`
	// Monitor are the monitoring API server configs
	Monitor MonitorServerConfig `mapstructure:"monitor" json:"monitor" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default control channel settings
	viper.SetDefault("control.listen_on", "0.0.0.0")
	viper.SetDefault("control.listen_port", 8080)

	// Default heartbeat channel settings
	viper.SetDefault("heartbeat.listen_port", 34254)
	viper.SetDefault("heartbeat.timeout_sec", 5)

	// Default generator settings
	viper.SetDefault("generator.interval_ms", 500)
	viper.SetDefault("generator.volatility", 0.01)
	viper.SetDefault("generator.ticker_file", "tickers.txt")

	// Default monitor server settings
	viper.SetDefault("monitor.listen_on", "0.0.0.0")
	viper.SetDefault("monitor.listen_port", 3000)
	viper.SetDefault("monitor.write_timeout_sec", 60)
}
