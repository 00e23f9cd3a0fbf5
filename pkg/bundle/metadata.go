package bundle

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// SetBundleID changes CFBundleIdentifier.
func (a *App) SetBundleID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("bundle identifier must not be empty")
	}
	a.manifest.Set("CFBundleIdentifier", id)
	a.notify(fmt.Sprintf("Bundle ID set to %s", id))
	return nil
}

// SetDisplayName changes the name shown on the home screen.
func (a *App) SetDisplayName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("display name must not be empty")
	}
	a.manifest.Set("CFBundleDisplayName", name)
	a.manifest.Set("CFBundleName", name)
	a.notify(fmt.Sprintf("Display name set to %s", name))
	return nil
}

// SetVersion writes both the marketing and build version.
func (a *App) SetVersion(version string) error {
	if _, err := semver.NewVersion(version); err != nil {
		return fmt.Errorf("invalid version %q: %w", version, err)
	}
	a.manifest.Set("CFBundleShortVersionString", version)
	a.manifest.Set("CFBundleVersion", version)
	a.notify(fmt.Sprintf("Version set to %s", version))
	return nil
}

// SetMinimumOS changes MinimumOSVersion.
func (a *App) SetMinimumOS(version string) error {
	if _, err := semver.NewVersion(version); err != nil {
		return fmt.Errorf("invalid minimum OS version %q: %w", version, err)
	}
	a.manifest.Set("MinimumOSVersion", version)
	a.notify(fmt.Sprintf("Minimum OS version set to %s", version))
	return nil
}

// EnableFileSharing exposes the app's Documents folder in Files.
func (a *App) EnableFileSharing() {
	a.manifest.Set("UIFileSharingEnabled", true)
	a.manifest.Set("UISupportsDocumentBrowser", true)
	a.notify("File sharing enabled")
}

// RemoveSupportedDevices drops the UISupportedDevices restriction.
func (a *App) RemoveSupportedDevices() {
	if a.manifest.Delete("UISupportedDevices") {
		a.notify("Removed supported device restrictions")
	}
}
