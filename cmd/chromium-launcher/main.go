// Command chromium-launcher replaces itself with a Chromium configured for
// notification rendering. It is used when Chromium runs under an external
// supervisor and the daemon follows its log.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spectrumlive/spt-notification/lib/chromiumflags"
)

func main() {
	headless := flag.Bool("headless", true, "Run Chromium headless")
	chromiumPath := flag.String("chromium", "chromium", "Chromium binary path")
	runtimeFlagsPath := flag.String("runtime-flags", "/etc/spt-notification/chromium-flags.json", "Path to runtime flags overlay file")
	flag.Parse()

	port := 9222
	if v := strings.TrimSpace(os.Getenv("DEVTOOLS_PORT")); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &port); err != nil {
			fmt.Fprintf(os.Stderr, "invalid DEVTOOLS_PORT %q: %v\n", v, err)
			os.Exit(1)
		}
	}
	cachePath := os.Getenv("CACHE_PATH")
	if cachePath == "" {
		cachePath = "/var/lib/spt-notification/chromium"
	}

	base := chromiumflags.BaseFlags(chromiumflags.Options{
		CachePath:            cachePath,
		ChromeVersion:        os.Getenv("CHROME_VERSION"),
		HostVersion:          os.Getenv("HOST_VERSION"),
		Locale:               os.Getenv("HOST_LOCALE"),
		DebuggingPort:        port,
		Headless:             *headless,
		HardwareAcceleration: os.Getenv("HARDWARE_ACCELERATION") == "true",
	})
	runtimeTokens, err := chromiumflags.ReadOptionalFlagFile(*runtimeFlagsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed reading runtime flags: %v\n", err)
		os.Exit(1)
	}
	final := chromiumflags.Merge(base, chromiumflags.ParseFlags(os.Getenv("CHROMIUM_FLAGS")), runtimeTokens)
	fmt.Printf("FINAL_FLAGS: %s\n", strings.Join(final, " "))

	p, err := execLookPath(*chromiumPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chromium binary not found: %v\n", err)
		os.Exit(1)
	}
	if err := syscall.Exec(p, append([]string{filepath.Base(p)}, final...), os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "exec chromium failed: %v\n", err)
		os.Exit(1)
	}
}

// execLookPath returns an absolute path as syscall.Exec requires.
func execLookPath(file string) (string, error) {
	if strings.ContainsRune(file, os.PathSeparator) {
		return file, nil
	}
	return exec.LookPath(file)
}
