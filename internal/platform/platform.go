// Package platform models the operating systems a pipeline leg can target.
//
// Each Platform is a tagged variant: the per-platform data (the runner.os
// value, default shell, executable suffix) lives in one table and every
// platform-conditional branch in matrixci dispatches on the enum.
package platform

import (
	"fmt"
	"runtime"
	"strings"

	errUtils "matrixci/internal/errors"
)

type Platform int

const (
	Unknown Platform = iota
	Linux
	Windows
	MacOS
)

type variant struct {
	runnerOS   string
	shell      string
	exeSuffix  string
	labelHints []string
}

var variants = map[Platform]variant{
	Linux:   {runnerOS: "Linux", shell: "bash", labelHints: []string{"linux", "ubuntu"}},
	Windows: {runnerOS: "Windows", shell: "pwsh", exeSuffix: ".exe", labelHints: []string{"windows", "win"}},
	MacOS:   {runnerOS: "macOS", shell: "bash", labelHints: []string{"macos", "osx", "darwin"}},
}

// All returns every known platform in enum order.
func All() []Platform { return []Platform{Linux, Windows, MacOS} }

// String renders the value exposed to guards as runner.os.
func (p Platform) String() string {
	if v, ok := variants[p]; ok {
		return v.runnerOS
	}
	return "Unknown"
}

// DefaultShell is the shell used for run steps that do not name one.
func (p Platform) DefaultShell() string {
	if v, ok := variants[p]; ok {
		return v.shell
	}
	return "sh"
}

// ExecutableSuffix is appended to packaged executables on this platform.
func (p Platform) ExecutableSuffix() string { return variants[p].exeSuffix }

// Parse maps a runner label such as "ubuntu-latest", "windows-2022" or "macOS"
// to a platform.
func Parse(label string) (Platform, error) {
	l := strings.ToLower(strings.TrimSpace(label))
	if l == "" {
		return Unknown, fmt.Errorf("%w: empty runner label", errUtils.ErrUnknownPlatform)
	}
	for _, p := range All() {
		for _, hint := range variants[p].labelHints {
			if l == hint || strings.HasPrefix(l, hint+"-") {
				return p, nil
			}
		}
	}
	return Unknown, fmt.Errorf("%w: %q", errUtils.ErrUnknownPlatform, label)
}

// Host returns the platform matrixci itself is running on.
func Host() Platform { return fromGOOS(runtime.GOOS) }

func fromGOOS(goos string) Platform {
	switch goos {
	case "linux":
		return Linux
	case "windows":
		return Windows
	case "darwin":
		return MacOS
	default:
		return Unknown
	}
}
