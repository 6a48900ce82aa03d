// Package chromiumflags builds the command line for the Chromium instance
// that renders notification pages.
package chromiumflags

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// FlagsFile is the JSON overlay read at startup.
//
// Example on disk:
// { "flags": ["--foo", "--bar=1"] }
type FlagsFile struct {
	Flags []string `json:"flags"`
}

// Options describe the rendering host.
type Options struct {
	// CachePath holds cookies, storage and the HTTP cache.
	CachePath     string
	ChromeVersion string
	HostVersion   string
	// Locale is the host UI locale, such as "de-DE".
	Locale string
	// DebuggingPort 0 lets Chromium pick a free port.
	DebuggingPort        int
	Headless             bool
	HardwareAcceleration bool
}

// UserAgentProduct lets servers tell notification pages apart from regular
// browsers.
func UserAgentProduct(chromeVersion, hostVersion string) string {
	return "Chrome/" + chromeVersion + " SPT/" + hostVersion
}

func UserAgent(chromeVersion, hostVersion string) string {
	return "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) " +
		UserAgentProduct(chromeVersion, hostVersion) + " Safari/537.36"
}

// AcceptLanguages puts the host locale ahead of English.
func AcceptLanguages(locale string) string {
	if locale == "" || locale == "en-US" {
		return "en-US,en"
	}
	return locale + ",en-US,en"
}

// BaseFlags returns the flags every notification renderer runs with.
func BaseFlags(o Options) []string {
	locale := o.Locale
	if locale == "" {
		locale = "en-US"
	}
	flags := []string{
		fmt.Sprintf("--remote-debugging-port=%d", o.DebuggingPort),
		"--remote-allow-origins=*",
		"--no-first-run",
		"--no-default-browser-check",
		"--password-store=basic",
		"--hide-scrollbars",
		"--autoplay-policy=no-user-gesture-required",
		"--disable-features=HardwareMediaKeyHandling,MediaSessionService",
		"--lang=" + locale,
		"--accept-lang=" + AcceptLanguages(locale),
	}
	if o.CachePath != "" {
		flags = append(flags, "--user-data-dir="+o.CachePath)
	}
	if o.ChromeVersion != "" {
		flags = append(flags, "--user-agent="+UserAgent(o.ChromeVersion, o.HostVersion))
	}
	if o.Headless {
		flags = append([]string{"--headless=new"}, flags...)
	}
	if !o.HardwareAcceleration {
		flags = append(flags, "--disable-gpu")
	}
	return flags
}

// ParseFlags splits a space-delimited string of flags. Quotes are not
// supported.
func ParseFlags(input string) []string {
	return strings.Fields(input)
}

func flagName(tok string) string {
	name, _, _ := strings.Cut(tok, "=")
	return name
}

// listFlags take comma separated values that accumulate instead of
// replacing each other.
var listFlags = map[string]bool{
	"--enable-features":  true,
	"--disable-features": true,
	"--load-extension":   true,
}

// Merge overlays flags on base. A flag given again replaces the earlier
// value in place, except for list flags whose values are unioned. Bare
// positional arguments are kept once each.
func Merge(base []string, overlays ...[]string) []string {
	var out []string
	index := map[string]int{}
	for _, set := range append([][]string{base}, overlays...) {
		for _, tok := range set {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			name := flagName(tok)
			i, seen := index[name]
			switch {
			case !seen:
				index[name] = len(out)
				out = append(out, tok)
			case listFlags[name]:
				out[i] = name + "=" + unionCSV(valueOf(out[i]), valueOf(tok))
			default:
				out[i] = tok
			}
		}
	}
	return out
}

func valueOf(tok string) string {
	_, v, _ := strings.Cut(tok, "=")
	return v
}

func unionCSV(a, b string) string {
	seen := map[string]bool{}
	var parts []string
	for _, p := range append(strings.Split(a, ","), strings.Split(b, ",")...) {
		if p = strings.TrimSpace(p); p != "" && !seen[p] {
			seen[p] = true
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ",")
}

// ReadOptionalFlagFile returns the flags in the JSON file at path, or nil
// when the file does not exist or is empty.
func ReadOptionalFlagFile(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	b := strings.TrimSpace(string(content))
	if b == "" {
		return nil, nil
	}
	var jf FlagsFile
	if err := json.Unmarshal([]byte(b), &jf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if jf.Flags == nil {
		return nil, errors.New("flags file missing 'flags' array")
	}
	out := make([]string, 0, len(jf.Flags))
	for _, tok := range jf.Flags {
		if t := strings.TrimSpace(tok); t != "" {
			out = append(out, t)
		}
	}
	return out, nil
}
