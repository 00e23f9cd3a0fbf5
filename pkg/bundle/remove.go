package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideBundle is returned for removal targets that do not resolve to a
// path strictly inside the bundle root.
var ErrOutsideBundle = errors.New("path is outside the bundle")

// Well-known bundle entries.
const (
	watchDir            = "Watch"
	watchKitDir         = "WatchKit"
	watchPlaceholderDir = "com.apple.WatchPlaceholder"
	extensionsDir       = "Extensions"
	pluginsDir          = "PlugIns"
)

// resolve maps a bare name or an absolute path to a path inside the root.
func (a *App) resolve(name string) (string, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(a.root, name)
	}
	path = filepath.Clean(path)

	rel, err := filepath.Rel(a.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%s: %w", name, ErrOutsideBundle)
	}
	return path, nil
}

// Remove deletes each named entry in order. Names are either relative to
// the bundle root or absolute paths inside it. Missing entries are skipped,
// and names outside the bundle are logged and reported together once the
// rest of the batch is done. It reports whether anything was removed; when
// something was, the artifact cache is dropped and one message lists the
// removed names.
func (a *App) Remove(names ...string) (bool, error) {
	var (
		removed []string
		outside []error
	)

	finish := func() {
		if len(removed) == 0 {
			return
		}
		a.Invalidate()
		a.notify(fmt.Sprintf("Removed: %s from bundle.", strings.Join(removed, ", ")))
	}

	for _, name := range names {
		path, err := a.resolve(name)
		if err != nil {
			a.logger.Warn("not removing entry", "name", name, "error", err)
			outside = append(outside, err)
			continue
		}

		info, err := os.Lstat(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			finish()
			return len(removed) > 0, fmt.Errorf("failed to stat %s: %w", name, err)
		}

		if info.IsDir() {
			err = os.RemoveAll(path)
		} else {
			err = os.Remove(path)
		}
		if err != nil {
			finish()
			return len(removed) > 0, fmt.Errorf("failed to remove %s: %w", name, err)
		}
		removed = append(removed, name)
	}

	finish()
	return len(removed) > 0, errors.Join(outside...)
}

// RemovePlugins removes the named plugins one at a time and reports which of
// them existed.
func (a *App) RemovePlugins(names []string) error {
	var removed []string
	for _, name := range names {
		ok, err := a.Remove(name)
		if err != nil {
			return err
		}
		if ok {
			removed = append(removed, name)
		}
	}

	if len(removed) == 0 {
		a.logger.Warn("no specified plugins were found or removed")
		a.notify("No specified plugins were found or removed.")
		return nil
	}
	a.logger.Info("removed plugins", "plugins", removed)
	a.notify(fmt.Sprintf("Plugins removed: %s", strings.Join(removed, ", ")))
	return nil
}

// HasWatchKit reports whether any watch companion entry exists.
func (a *App) HasWatchKit() bool {
	for _, name := range []string{watchDir, watchKitDir, watchPlaceholderDir} {
		if _, err := os.Lstat(filepath.Join(a.root, name)); err == nil {
			return true
		}
	}
	return false
}

// RemoveWatchApps removes the watch companion entries unless skip is set,
// in which case the filesystem is not touched.
func (a *App) RemoveWatchApps(skip bool) error {
	if skip {
		a.logger.Info("skipping removal of watch apps")
		return nil
	}

	ok, err := a.Remove(watchDir, watchKitDir, watchPlaceholderDir)
	if err != nil {
		return err
	}
	if ok {
		a.logger.Info("removed watch app")
	} else {
		a.logger.Info("watch app not present")
	}
	return nil
}

// RemoveAllExtensions removes the Extensions and PlugIns directories.
func (a *App) RemoveAllExtensions() error {
	ok, err := a.Remove(extensionsDir, pluginsDir)
	if err != nil {
		return err
	}
	if ok {
		a.logger.Info("removed app extensions")
	} else {
		a.logger.Info("no app extensions")
	}
	return nil
}

// extensionCandidates lists <root>/*/*.appex directories.
func (a *App) extensionCandidates() ([]string, error) {
	top, err := os.ReadDir(a.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}

	var candidates []string
	for _, entry := range top {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(a.root, entry.Name())
		children, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		for _, child := range children {
			if child.IsDir() && strings.HasSuffix(child.Name(), suffixExtension) {
				candidates = append(candidates, filepath.Join(dir, child.Name()))
			}
		}
	}
	return candidates, nil
}

// RemoveEncryptedExtensions removes every extension one directory below a
// top-level entry whose executable is still encrypted. It returns the
// executable names of the removed extensions.
func (a *App) RemoveEncryptedExtensions() ([]string, error) {
	candidates, err := a.extensionCandidates()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, dir := range candidates {
		ext, err := a.nested(dir)
		if err != nil {
			a.logger.Warn("skipping extension", "path", dir, "error", err)
			continue
		}

		encrypted, err := ext.Executable().IsEncrypted()
		if err != nil {
			a.logger.Warn("could not check encryption", "path", ext.Executable().Path(), "error", err)
			continue
		}
		if !encrypted {
			continue
		}

		rel, _ := filepath.Rel(a.root, dir)
		ok, err := a.Remove(rel)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, filepath.Base(ext.Executable().Path()))
		}
	}

	if len(removed) == 0 {
		a.logger.Warn("no encrypted plugins")
	} else {
		a.logger.Info("removed encrypted plugins", "plugins", strings.Join(removed, ", "))
	}
	return removed, nil
}
