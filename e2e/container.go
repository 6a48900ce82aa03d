package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	defaultChromiumImage = "chromedp/headless-shell:latest"
	devToolsPort         = nat.Port("9222/tcp")
)

// ChromiumContainer is a headless Chromium supervised outside the daemon,
// reachable only through its DevTools port.
type ChromiumContainer struct {
	Host string
	Port int
	ctr  testcontainers.Container
}

// StartChromiumContainer runs the image named by E2E_CHROMIUM_IMAGE, or
// headless-shell, and terminates it when the test ends.
func StartChromiumContainer(t *testing.T) *ChromiumContainer {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	image := os.Getenv("E2E_CHROMIUM_IMAGE")
	if image == "" {
		image = defaultChromiumImage
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	ctr, err := testcontainers.Run(ctx, image,
		testcontainers.WithExposedPorts(string(devToolsPort)),
		testcontainers.WithHostConfigModifier(func(hc *container.HostConfig) {
			hc.ShmSize = 1 << 30
		}),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/json/version").
				WithPort(devToolsPort).
				WithStartupTimeout(2*time.Minute),
		),
	)
	if ctr != nil {
		t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })
	}
	if err != nil {
		t.Fatalf("failed to start chromium container: %v", err)
	}

	host, err := ctr.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, devToolsPort)
	if err != nil {
		t.Fatalf("failed to get devtools port: %v", err)
	}
	return &ChromiumContainer{Host: host, Port: port.Int(), ctr: ctr}
}

func (c *ChromiumContainer) httpURL(path string) string {
	return fmt.Sprintf("http://%s:%d%s", c.Host, c.Port, path)
}

func (c *ChromiumContainer) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpURL(path), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// BrowserURL is the browser-level DevTools websocket URL, addressed through
// the mapped port.
func (c *ChromiumContainer) BrowserURL(ctx context.Context) (string, error) {
	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := c.getJSON(ctx, "/json/version", &version); err != nil {
		return "", err
	}
	if version.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("no webSocketDebuggerUrl in /json/version")
	}
	return version.WebSocketDebuggerURL, nil
}

type devToolsTarget struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// PagesMatching counts the page targets whose URL contains marker.
func (c *ChromiumContainer) PagesMatching(ctx context.Context, marker string) (int, error) {
	var targets []devToolsTarget
	if err := c.getJSON(ctx, "/json/list", &targets); err != nil {
		return 0, err
	}
	n := 0
	for _, tg := range targets {
		if tg.Type == "page" && strings.Contains(tg.URL, marker) {
			n++
		}
	}
	return n, nil
}
