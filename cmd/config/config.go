package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/spectrumlive/spt-notification/lib/settings"
)

// Config holds all configuration for the daemon
type Config struct {
	// Server configuration
	Port     int    `envconfig:"PORT" default:"10001"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Chromium. With DEVTOOLS_URL or DEVTOOLS_LOG_FILE set the daemon attaches
	// to an externally supervised Chromium instead of launching one.
	ChromiumBinary       string `envconfig:"CHROMIUM_BINARY" default:"chromium"`
	ChromiumFlags        string `envconfig:"CHROMIUM_FLAGS"`
	ChromiumFlagsFile    string `envconfig:"CHROMIUM_FLAGS_FILE" default:"/etc/spt-notification/chromium-flags.json"`
	ChromeVersion        string `envconfig:"CHROME_VERSION"`
	DevToolsURL          string `envconfig:"DEVTOOLS_URL"`
	DevToolsLogFile      string `envconfig:"DEVTOOLS_LOG_FILE"`
	DevToolsPort         int    `envconfig:"DEVTOOLS_PORT" default:"0"`
	Headless             bool   `envconfig:"HEADLESS" default:"true"`
	HardwareAcceleration bool   `envconfig:"HARDWARE_ACCELERATION" default:"false"`
	CachePath            string `envconfig:"CACHE_PATH" default:"./chromium-cache"`
	LogCDPMessages       bool   `envconfig:"LOG_CDP_MESSAGES" default:"false"`

	// Host identity reported to pages.
	HostVersion string `envconfig:"HOST_VERSION" default:"0.0.0"`
	Locale      string `envconfig:"HOST_LOCALE" default:"en-US"`
	LiveSlug    string `envconfig:"LIVE_SLUG"`

	// Compositing canvas
	CanvasWidth  int `envconfig:"CANVAS_WIDTH" default:"1920"`
	CanvasHeight int `envconfig:"CANVAS_HEIGHT" default:"1080"`
	CanvasFPS    int `envconfig:"CANVAS_FPS" default:"30"`

	// Engine task execution
	GUILoop         bool          `envconfig:"GUI_LOOP" default:"false"`
	GUIPumpInterval time.Duration `envconfig:"GUI_PUMP_INTERVAL" default:"10ms"`
	LegacyFileURLs  bool          `envconfig:"LEGACY_FILE_URLS" default:"false"`

	// Persistence and local files
	DBPath             string        `envconfig:"DB_PATH" default:"spt-notification.db"`
	LocalWatchDebounce time.Duration `envconfig:"LOCAL_WATCH_DEBOUNCE" default:"200ms"`

	// obs-websocket; an empty address disables the frontend listener.
	OBSAddress  string `envconfig:"OBS_ADDRESS"`
	OBSPassword string `envconfig:"OBS_PASSWORD"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if config.DevToolsURL != "" && config.DevToolsLogFile != "" {
		return fmt.Errorf("DEVTOOLS_URL and DEVTOOLS_LOG_FILE are mutually exclusive")
	}
	if config.DevToolsURL == "" && config.DevToolsLogFile == "" && config.ChromiumBinary == "" {
		return fmt.Errorf("CHROMIUM_BINARY is required")
	}
	if config.DevToolsPort < 0 || config.DevToolsPort > 65535 {
		return fmt.Errorf("DEVTOOLS_PORT must be between 0 and 65535")
	}
	if config.CanvasWidth < settings.MinSize || config.CanvasWidth > settings.MaxSize {
		return fmt.Errorf("CANVAS_WIDTH must be between %d and %d", settings.MinSize, settings.MaxSize)
	}
	if config.CanvasHeight < settings.MinSize || config.CanvasHeight > settings.MaxSize {
		return fmt.Errorf("CANVAS_HEIGHT must be between %d and %d", settings.MinSize, settings.MaxSize)
	}
	if config.CanvasFPS < settings.MinFPS || config.CanvasFPS > settings.MaxFPS {
		return fmt.Errorf("CANVAS_FPS must be between %d and %d", settings.MinFPS, settings.MaxFPS)
	}
	if config.GUIPumpInterval <= 0 {
		return fmt.Errorf("GUI_PUMP_INTERVAL must be greater than 0")
	}
	if config.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}

	return nil
}
