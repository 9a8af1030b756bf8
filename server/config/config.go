// Package config loads and exposes the Reclaim server configuration from
// flags, environment variables and an optional yaml config file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "RECLAIM"

// ServerConfig defines configs related to the HTTP server.
type ServerConfig struct {
	Address   string
	URLPrefix string `yaml:"url_prefix"`
}

// QueueConfig defines configs related to the job queue and its scheduler.
type QueueConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	RetentionWindow time.Duration `yaml:"retention_window"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
}

// HealthConfig defines configs related to integration health tracking.
type HealthConfig struct {
	DegradedThreshold int           `yaml:"degraded_threshold"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	OpenTimeout       time.Duration `yaml:"open_timeout"`
	ProbeMaxRequests  int           `yaml:"probe_max_requests"`
	ProbeInterval     time.Duration `yaml:"probe_interval"`
}

// GateConfig defines configs related to integration admission control.
type GateConfig struct {
	QueueOnFailure        bool          `yaml:"queue_on_failure"`
	RecoveringRetryDelay  time.Duration `yaml:"recovering_retry_delay"`
	FailedRetryDelay      time.Duration `yaml:"failed_retry_delay"`
	MaintenanceRetryDelay time.Duration `yaml:"maintenance_retry_delay"`
}

// LoggingConfig defines configs related to logging.
type LoggingConfig struct {
	Debug bool
	JSON  bool
}

// RateLimitConfig defines configs for rate limiting the public enqueue
// endpoint.
type RateLimitConfig struct {
	EnqueuePerMinute int `yaml:"enqueue_per_minute"`
	EnqueueBurst     int `yaml:"enqueue_burst"`
}

// ReclaimConfig stores the application configuration. Each subcategory is
// broken up into its own struct, defined above. When editing any of these
// structs, Manager.addConfigs and Manager.LoadConfig should be updated to set
// and retrieve the configurations as appropriate.
type ReclaimConfig struct {
	Server    ServerConfig
	Queue     QueueConfig
	Health    HealthConfig
	Gate      GateConfig
	Logging   LoggingConfig
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// addConfigs adds the configuration keys and default values that will be
// filled into the ReclaimConfig struct.
func (man Manager) addConfigs() {
	// Server
	man.addConfigString("server.address", "0.0.0.0:8080",
		"Reclaim server address (host:port)")
	man.addConfigString("server.url_prefix", "",
		"URL prefix used on server and frontend URLs")

	// Queue
	man.addConfigInt("queue.max_concurrent", 5,
		"Maximum number of jobs executing at once")
	man.addConfigDuration("queue.tick_interval", 5*time.Second,
		"Interval of the queue scheduling tick")
	man.addConfigDuration("queue.retention_window", 24*time.Hour,
		"Age past which terminal jobs are swept from memory")
	man.addConfigDuration("queue.cleanup_interval", 1*time.Hour,
		"Interval of the terminal-job cleanup sweep")
	man.addConfigDuration("queue.drain_timeout", 30*time.Second,
		"Time allowed for in-flight jobs to finish on shutdown")

	// Health
	man.addConfigInt("health.degraded_threshold", 3,
		"Consecutive errors before an integration is marked degraded")
	man.addConfigInt("health.failure_threshold", 5,
		"Consecutive errors before an integration circuit opens")
	man.addConfigDuration("health.open_timeout", 30*time.Second,
		"Time an open circuit waits before allowing recovery probes")
	man.addConfigInt("health.probe_max_requests", 1,
		"Trial calls allowed through a recovering circuit")
	man.addConfigDuration("health.probe_interval", 15*time.Second,
		"Interval of the background recovery probe loop")

	// Gate
	man.addConfigBool("gate.queue_on_failure", true,
		"Queue requests targeting a failed integration instead of rejecting them")
	man.addConfigDuration("gate.recovering_retry_delay", 30*time.Second,
		"Suggested retry delay returned while an integration is recovering")
	man.addConfigDuration("gate.failed_retry_delay", 60*time.Second,
		"Suggested retry delay returned while an integration is failed")
	man.addConfigDuration("gate.maintenance_retry_delay", 10*time.Minute,
		"Suggested retry delay returned while an integration is in maintenance")

	// Logging
	man.addConfigBool("logging.debug", false,
		"Enable debug logging")
	man.addConfigBool("logging.json", false,
		"Log in JSON format")

	// Rate limit
	man.addConfigInt("rate_limit.enqueue_per_minute", 120,
		"Enqueue requests allowed per minute")
	man.addConfigInt("rate_limit.enqueue_burst", 20,
		"Enqueue request burst allowance")
}

// LoadConfig will load the config variables into a fully initialized
// ReclaimConfig struct.
func (man Manager) LoadConfig() ReclaimConfig {
	man.loadConfigFile()

	return ReclaimConfig{
		Server: ServerConfig{
			Address:   man.getConfigString("server.address"),
			URLPrefix: man.getConfigString("server.url_prefix"),
		},
		Queue: QueueConfig{
			MaxConcurrent:   man.getConfigInt("queue.max_concurrent"),
			TickInterval:    man.getConfigDuration("queue.tick_interval"),
			RetentionWindow: man.getConfigDuration("queue.retention_window"),
			CleanupInterval: man.getConfigDuration("queue.cleanup_interval"),
			DrainTimeout:    man.getConfigDuration("queue.drain_timeout"),
		},
		Health: HealthConfig{
			DegradedThreshold: man.getConfigInt("health.degraded_threshold"),
			FailureThreshold:  man.getConfigInt("health.failure_threshold"),
			OpenTimeout:       man.getConfigDuration("health.open_timeout"),
			ProbeMaxRequests:  man.getConfigInt("health.probe_max_requests"),
			ProbeInterval:     man.getConfigDuration("health.probe_interval"),
		},
		Gate: GateConfig{
			QueueOnFailure:        man.getConfigBool("gate.queue_on_failure"),
			RecoveringRetryDelay:  man.getConfigDuration("gate.recovering_retry_delay"),
			FailedRetryDelay:      man.getConfigDuration("gate.failed_retry_delay"),
			MaintenanceRetryDelay: man.getConfigDuration("gate.maintenance_retry_delay"),
		},
		Logging: LoggingConfig{
			Debug: man.getConfigBool("logging.debug"),
			JSON:  man.getConfigBool("logging.json"),
		},
		RateLimit: RateLimitConfig{
			EnqueuePerMinute: man.getConfigInt("rate_limit.enqueue_per_minute"),
			EnqueueBurst:     man.getConfigInt("rate_limit.enqueue_burst"),
		},
	}
}

// IsSet determines whether a given config key has been explicitly set by any
// of the configuration sources. If false, the default value is being used.
func (man Manager) IsSet(key string) bool {
	return man.viper.IsSet(key)
}

// envNameFromConfigKey converts a config key into the corresponding
// environment variable name.
func envNameFromConfigKey(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.Replace(key, ".", "_", -1))
}

// flagNameFromConfigKey converts a config key into the corresponding flag
// name.
func flagNameFromConfigKey(key string) string {
	return strings.Replace(key, ".", "_", -1)
}

// Manager manages the addition and retrieval of config values for Reclaim
// configs. Its only public API method is LoadConfig, which will return the
// populated ReclaimConfig struct.
type Manager struct {
	viper    *viper.Viper
	command  *cobra.Command
	defaults map[string]interface{}
}

// NewManager initializes a Manager wrapping the provided cobra command. All
// config flags will be attached to that command (and inherited by the
// subcommands). Typically this should be called just once, with the root
// command.
func NewManager(command *cobra.Command) Manager {
	man := Manager{
		viper:    viper.New(),
		command:  command,
		defaults: map[string]interface{}{},
	}
	man.addConfigs()
	return man
}

// addDefault will check for duplication, then add a default value to the
// defaults map.
func (man Manager) addDefault(key string, defVal interface{}) {
	if _, exists := man.defaults[key]; exists {
		panic("Trying to add duplicate config for key " + key)
	}

	man.defaults[key] = defVal
}

func getFlagUsage(key string, usage string) string {
	return fmt.Sprintf("Env: %s\n\t\t%s", envNameFromConfigKey(key), usage)
}

// getInterfaceVal is a helper function used by the getConfig* functions to
// retrieve the config value as interface{}, which will then be cast to the
// appropriate type by the getConfig* function.
func (man Manager) getInterfaceVal(key string) interface{} {
	interfaceVal := man.viper.Get(key)
	if interfaceVal == nil {
		var ok bool
		interfaceVal, ok = man.defaults[key]
		if !ok {
			panic("Tried to look up default value for nonexistent config option: " + key)
		}
	}
	return interfaceVal
}

// addConfigString adds a string config to the config options.
func (man Manager) addConfigString(key, defVal, usage string) {
	man.command.PersistentFlags().String(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key)))
	man.viper.BindEnv(key, envNameFromConfigKey(key))

	man.addDefault(key, defVal)
}

// getConfigString retrieves a string from the loaded config.
func (man Manager) getConfigString(key string) string {
	interfaceVal := man.getInterfaceVal(key)
	stringVal, err := cast.ToStringE(interfaceVal)
	if err != nil {
		panic("Unable to cast to string for key " + key + ": " + err.Error())
	}

	return stringVal
}

// addConfigInt adds an int config to the config options.
func (man Manager) addConfigInt(key string, defVal int, usage string) {
	man.command.PersistentFlags().Int(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key)))
	man.viper.BindEnv(key, envNameFromConfigKey(key))

	man.addDefault(key, defVal)
}

// getConfigInt retrieves an int from the loaded config.
func (man Manager) getConfigInt(key string) int {
	interfaceVal := man.getInterfaceVal(key)
	intVal, err := cast.ToIntE(interfaceVal)
	if err != nil {
		panic("Unable to cast to int for key " + key + ": " + err.Error())
	}

	return intVal
}

// addConfigBool adds a bool config to the config options.
func (man Manager) addConfigBool(key string, defVal bool, usage string) {
	man.command.PersistentFlags().Bool(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key)))
	man.viper.BindEnv(key, envNameFromConfigKey(key))

	man.addDefault(key, defVal)
}

// getConfigBool retrieves a bool from the loaded config.
func (man Manager) getConfigBool(key string) bool {
	interfaceVal := man.getInterfaceVal(key)
	boolVal, err := cast.ToBoolE(interfaceVal)
	if err != nil {
		panic("Unable to cast to bool for key " + key + ": " + err.Error())
	}

	return boolVal
}

// addConfigDuration adds a duration config to the config options.
func (man Manager) addConfigDuration(key string, defVal time.Duration, usage string) {
	man.command.PersistentFlags().Duration(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key)))
	man.viper.BindEnv(key, envNameFromConfigKey(key))

	man.addDefault(key, defVal)
}

// getConfigDuration retrieves a duration from the loaded config.
func (man Manager) getConfigDuration(key string) time.Duration {
	interfaceVal := man.getInterfaceVal(key)
	durationVal, err := cast.ToDurationE(interfaceVal)
	if err != nil {
		panic("Unable to cast to duration for key " + key + ": " + err.Error())
	}

	return durationVal
}

// loadConfigFile handles the loading of the config file.
func (man Manager) loadConfigFile() {
	man.viper.SetConfigType("yaml")

	configFile := man.command.PersistentFlags().Lookup("config").Value.String()

	if configFile == "" {
		// No config file set, only use configs from env vars/flags/defaults.
		return
	}

	man.viper.SetConfigFile(configFile)
	if err := man.viper.ReadInConfig(); err != nil {
		fmt.Println("Error loading config file:", err)
		os.Exit(1)
	}

	fmt.Println("Using config file:", man.viper.ConfigFileUsed())
}

// TestConfig returns a barebones configuration suitable for use in tests.
// Individual tests may want to override some of the values provided.
func TestConfig() ReclaimConfig {
	return ReclaimConfig{
		Server: ServerConfig{
			Address: "127.0.0.1:8080",
		},
		Queue: QueueConfig{
			MaxConcurrent:   5,
			TickInterval:    10 * time.Millisecond,
			RetentionWindow: time.Hour,
			CleanupInterval: time.Hour,
			DrainTimeout:    time.Second,
		},
		Health: HealthConfig{
			DegradedThreshold: 3,
			FailureThreshold:  5,
			OpenTimeout:       50 * time.Millisecond,
			ProbeMaxRequests:  1,
			ProbeInterval:     time.Hour,
		},
		Gate: GateConfig{
			QueueOnFailure:        true,
			RecoveringRetryDelay:  30 * time.Second,
			FailedRetryDelay:      60 * time.Second,
			MaintenanceRetryDelay: 10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			EnqueuePerMinute: 120,
			EnqueueBurst:     20,
		},
	}
}
