package redtooth

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cryogenicdeadfrost/Project-RedTooth/pkg/redtooth/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper
	// TODO: still no use for this one
	internalConfig *viper.Viper

	current Config
}

type Config struct {
	// bluetooth addresses of the sinks to connect and route audio to
	OutputDevices []string `mapstructure:"output_devices"`

	DisableTray          bool `mapstructure:"disable_tray"`
	DisableNotifications bool `mapstructure:"disable_notifications"`
	FastReconnect        bool `mapstructure:"fast_reconnect"`

	WatchdogParams struct {
		Interval         uint16 `mapstructure:"interval"`
		SuspectThreshold uint16 `mapstructure:"suspect_threshold"`
		BackoffFloor     uint16 `mapstructure:"backoff_floor"`
		BackoffCeiling   uint16 `mapstructure:"backoff_ceiling"`
	} `mapstructure:"watchdog_params"`
}

const (
	userConfigFilepath     = "config.yaml"
	internalConfigFilepath = "preferences.yaml"

	userConfigName     = "config"
	internalConfigName = "preferences"

	userConfigPath = "."

	configType = "yaml"

	configKeyOutputDevices        = "output_devices"
	configKeyDisableNotifications = "disable_notifications"

	defaultWatchdogIntervalMillis = 500
	defaultSuspectThreshold       = 3
	defaultBackoffFloorMillis     = 1000
	defaultBackoffCeilingMillis   = 10000
)

var internalConfigPath = path.Join(".", logDirectory)

func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	// distinguish between the user-provided config (config.yaml) and the internal config (logs/preferences.yaml)
	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)

	userConfig.SetDefault(configKeyOutputDevices, []string{})
	userConfig.SetDefault(configKeyDisableNotifications, false)

	internalConfig := viper.New()
	internalConfig.SetConfigName(internalConfigName)
	internalConfig.SetConfigType(configType)
	internalConfig.AddConfigPath(internalConfigPath)

	cc.userConfig = userConfig
	cc.internalConfig = internalConfig

	logger.Debug("Created config instance")

	return cc, nil
}

func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", userConfigFilepath)

	// make sure it exists
	if !util.FileExists(userConfigFilepath) {
		cc.logger.Warnw("Config file not found", "path", userConfigFilepath)
		cc.notifier.Notify("Can't find configuration!",
			fmt.Sprintf("%s must be in the same directory as redtooth. Please re-launch", userConfigFilepath))

		return fmt.Errorf("config file doesn't exist: %s", userConfigFilepath)
	}

	// load the user config
	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check redtooth's logs for more details.")
		}

		return fmt.Errorf("read user config: %w", err)
	}

	// load the internal config - this doesn't have to exist, so it can error
	if err := cc.internalConfig.ReadInConfig(); err != nil {
		cc.logger.Debugw("Viper failed to read internal config", "error", err, "reminder", "this is fine")
	}

	// canonize the configuration with viper's helpers
	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"outputDevices", cc.current.OutputDevices,
		"fastReconnect", cc.current.FastReconnect,
		"watchdogInterval", cc.current.watchdogInterval())

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write == fsnotify.Write {
			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
				// and attempt reload if appropriate
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

					cc.onConfigReloaded()
				}

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromVipers() error {
	err := cc.userConfig.Unmarshal(&cc.current, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		consumer <- true
	}
}

// outputAddresses parses the configured device list, skipping (and logging)
// entries that aren't valid bluetooth addresses.
func (c *Config) outputAddresses(logger *zap.SugaredLogger) []DeviceAddress {
	addrs := make([]DeviceAddress, 0, len(c.OutputDevices))

	for _, raw := range c.OutputDevices {
		addr, err := ParseDeviceAddress(raw)
		if err != nil {
			logger.Warnw("Ignoring malformed device address in config", "value", raw)
			continue
		}

		addrs = append(addrs, addr)
	}

	return addrs
}

func (c *Config) watchdogInterval() time.Duration {
	if c.WatchdogParams.Interval == 0 {
		return time.Duration(defaultWatchdogIntervalMillis) * time.Millisecond
	}

	return time.Duration(c.WatchdogParams.Interval) * time.Millisecond
}

func (c *Config) suspectThreshold() int {
	if c.WatchdogParams.SuspectThreshold == 0 {
		return defaultSuspectThreshold
	}

	return int(c.WatchdogParams.SuspectThreshold)
}

func (c *Config) backoffFloor() time.Duration {
	if c.WatchdogParams.BackoffFloor == 0 {
		return time.Duration(defaultBackoffFloorMillis) * time.Millisecond
	}

	return time.Duration(c.WatchdogParams.BackoffFloor) * time.Millisecond
}

func (c *Config) backoffCeiling() time.Duration {
	ceiling := time.Duration(c.WatchdogParams.BackoffCeiling) * time.Millisecond
	if ceiling == 0 {
		ceiling = time.Duration(defaultBackoffCeilingMillis) * time.Millisecond
	}

	floor := c.backoffFloor()
	if ceiling < floor {
		ceiling = floor
	}

	return ceiling
}
