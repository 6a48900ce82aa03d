package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func defaults() *Config {
	return &Config{
		Port:               10001,
		LogLevel:           "info",
		ChromiumBinary:     "chromium",
		ChromiumFlagsFile:  "/etc/spt-notification/chromium-flags.json",
		Headless:           true,
		CachePath:          "./chromium-cache",
		HostVersion:        "0.0.0",
		Locale:             "en-US",
		CanvasWidth:        1920,
		CanvasHeight:       1080,
		CanvasFPS:          30,
		GUIPumpInterval:    10 * time.Millisecond,
		DBPath:             "spt-notification.db",
		LocalWatchDebounce: 200 * time.Millisecond,
	}
}

func TestLoad(t *testing.T) {
	custom := defaults()
	custom.Port = 12345
	custom.DevToolsURL = "ws://127.0.0.1:9222/devtools/browser/x"
	custom.CanvasFPS = 60
	custom.GUILoop = true
	custom.OBSAddress = "localhost:4455"
	custom.LiveSlug = "demo"

	testCases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		wantCfg *Config
	}{
		{
			name:    "defaults (no env set)",
			env:     map[string]string{},
			wantCfg: defaults(),
		},
		{
			name: "custom valid env",
			env: map[string]string{
				"PORT":         "12345",
				"DEVTOOLS_URL": "ws://127.0.0.1:9222/devtools/browser/x",
				"CANVAS_FPS":   "60",
				"GUI_LOOP":     "true",
				"OBS_ADDRESS":  "localhost:4455",
				"LIVE_SLUG":    "demo",
			},
			wantCfg: custom,
		},
		{
			name:    "port out of range",
			env:     map[string]string{"PORT": "70000"},
			wantErr: true,
		},
		{
			name: "devtools url and log file together",
			env: map[string]string{
				"DEVTOOLS_URL":      "ws://x",
				"DEVTOOLS_LOG_FILE": "/var/log/chromium.log",
			},
			wantErr: true,
		},
		{
			name:    "canvas too wide",
			env:     map[string]string{"CANVAS_WIDTH": "9000"},
			wantErr: true,
		},
		{
			name:    "canvas fps zero",
			env:     map[string]string{"CANVAS_FPS": "0"},
			wantErr: true,
		},
		{
			name:    "empty db path",
			env:     map[string]string{"DB_PATH": ""},
			wantErr: true,
		},
		{
			name:    "bad duration",
			env:     map[string]string{"GUI_PUMP_INTERVAL": "soon"},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.wantCfg, cfg)
		})
	}
}
