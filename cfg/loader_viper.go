package cfg

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	cfgIns     *Config
	cfgInsOnce sync.Once
	cfgMutex   sync.RWMutex
)

type ViperLoader struct {
	configPath            string
	watch                 bool
	configChangeCallbacks []func(*Config)
}

// NewViperLoader reads cfg/yaml/mode.yaml unless another directory is given.
func NewViperLoader(paths ...string) (*ViperLoader, error) {
	configPath := "cfg/yaml"
	if len(paths) > 0 && paths[0] != "" {
		configPath = paths[0]
	}
	return &ViperLoader{
		configPath:            configPath,
		watch:                 true,
		configChangeCallbacks: make([]func(*Config), 0),
	}, nil
}

func (yl *ViperLoader) Load() (*Config, error) {
	var err error
	cfgInsOnce.Do(func() {
		err = yl.loadConfig()
		if err == nil && yl.IsWatchChange() {
			viper.WatchConfig()
			viper.OnConfigChange(func(e fsnotify.Event) {
				fmt.Printf("[INFO][CONFIG] Config file changed: %s\n", e.Name)
				if errReload := yl.reloadConfig(); errReload != nil {
					fmt.Printf("[ERROR][CONFIG] Failed to reload config: %v\n", errReload)
				}
			})
		}
	})

	if err != nil {
		return nil, err
	}

	cfgMutex.RLock()
	defer cfgMutex.RUnlock()
	return cfgIns, nil
}

func (yl *ViperLoader) IsWatchChange() bool {
	return yl.watch
}

func (yl *ViperLoader) RegisterConfigChangeCallback(callback func(*Config)) {
	cfgMutex.Lock()
	yl.configChangeCallbacks = append(yl.configChangeCallbacks, callback)
	cfgMutex.Unlock()
}

func setDefaults() {
	mock, _ := NewMockLoader()
	def, _ := mock.Load()

	viper.SetDefault("app.name", def.App.Name)
	viper.SetDefault("app.version", def.App.Version)
	viper.SetDefault("database.driver", "mysql")
	viper.SetDefault("database.maxidleconnection", def.Database.MaxIdleConnection)
	viper.SetDefault("database.maxopenconnection", def.Database.MaxOpenConnection)
	viper.SetDefault("database.maxlifetimeconnection", def.Database.MaxLifeTimeConnection)
	viper.SetDefault("githubapi.apiurl", def.GithubApi.ApiUrl)
	viper.SetDefault("githubapi.requestspersecond", def.GithubApi.RequestsPerSecond)
	viper.SetDefault("githubapi.requesttimeout", def.GithubApi.RequestTimeout)
	viper.SetDefault("githubapi.perpage", def.GithubApi.PerPage)
	viper.SetDefault("githubapi.httpretrymax", def.GithubApi.HttpRetryMax)
	viper.SetDefault("githubapi.defaultresetwait", def.GithubApi.DefaultResetWait)
	viper.SetDefault("indexer.pageceiling", def.Indexer.PageCeiling)
	viper.SetDefault("indexer.retryattempts", def.Indexer.RetryAttempts)
	viper.SetDefault("indexer.retryinitialinterval", "1s")
	viper.SetDefault("indexer.retrymaxinterval", "30s")
	viper.SetDefault("indexer.leasettl", def.Indexer.LeaseTTL)
	viper.SetDefault("indexer.parallelism", def.Indexer.Parallelism)
	viper.SetDefault("ratelimit.buffer", def.RateLimit.Buffer)
	viper.SetDefault("ratelimit.sweepinterval", def.RateLimit.SweepInterval)
	viper.SetDefault("ratelimit.maxretries", def.RateLimit.MaxRetries)
	viper.SetDefault("ratelimit.retention", def.RateLimit.Retention)
	viper.SetDefault("trigger.timeofday", def.Trigger.TimeOfDay)
	viper.SetDefault("trigger.timezone", def.Trigger.Timezone)
	viper.SetDefault("trigger.mode", def.Trigger.Mode)
	viper.SetDefault("trigger.spreadwindow", def.Trigger.SpreadWindow)
	viper.SetDefault("kafka.topics.index", def.Kafka.Topics.Index)
	viper.SetDefault("kafka.topics.jobs", def.Kafka.Topics.Jobs)
	viper.SetDefault("kafka.consumergroup", def.Kafka.ConsumerGroup)
	viper.SetDefault("server.addr", def.Server.Addr)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
}

func (yl *ViperLoader) loadConfig() error {
	setDefaults()
	viper.AddConfigPath(yl.configPath)
	viper.SetConfigName("mode")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("GITPULSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("[ERROR][CONFIG] failed to read config file: %w", err)
	}

	// Unmarshal into the config
	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("[ERROR][CONFIG] failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("[ERROR][CONFIG] invalid config: %w", err)
	}

	// Assign to the global
	cfgMutex.Lock()
	cfgIns = cfg
	cfgMutex.Unlock()

	return nil
}

func (yl *ViperLoader) reloadConfig() error {
	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("[ERROR][CONFIG] failed to unmarshal config during reload: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("[ERROR][CONFIG] rejected reloaded config: %w", err)
	}

	// Update the global instance
	cfgMutex.Lock()
	cfgIns = cfg

	// Notify all registered callbacks
	callbacks := make([]func(*Config), len(yl.configChangeCallbacks))
	copy(callbacks, yl.configChangeCallbacks)
	cfgMutex.Unlock()
	for _, callback := range callbacks {
		go callback(cfg)
	}

	fmt.Println("[INFO][CONFIG] Configuration reloaded successfully")
	return nil
}
