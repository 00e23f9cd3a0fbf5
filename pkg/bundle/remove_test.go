package bundle

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestRemoveIsIdempotent(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Test.app")
	writeBundle(t, root, "app.bin", nil)
	writeFile(t, filepath.Join(root, "junk.txt"))

	n := &captureNotifier{}
	app := openTestApp(t, root, &stubToolchain{}, n)

	removed, err := app.Remove("junk.txt")
	if err != nil || !removed {
		t.Fatalf("first Remove = %v, %v", removed, err)
	}
	removed, err = app.Remove("junk.txt")
	if err != nil || removed {
		t.Errorf("second Remove = %v, %v; want false, nil", removed, err)
	}
	if len(n.messages) != 1 {
		t.Errorf("expected exactly one notification, got %v", n.messages)
	}
}

func TestRemoveWatchOnly(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Test.app")
	writeBundle(t, root, "app.bin", nil)
	writeBundle(t, filepath.Join(root, "Watch", "Companion.app"), "Companion", nil)
	writeFile(t, filepath.Join(root, "Watch", "Companion.app", "Frameworks", "w.dylib"))

	n := &captureNotifier{}
	app := openTestApp(t, root, &stubToolchain{}, n)

	before, _ := app.Discover()
	if len(before) != 1 {
		t.Fatalf("expected the watch dylib to be discovered, got %v", before)
	}

	removed, err := app.Remove("Watch", "WatchKit", "com.apple.WatchPlaceholder")
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Error("expected Remove to report true")
	}
	if got := n.last(); got != "Removed: Watch from bundle." {
		t.Errorf("notification = %q", got)
	}

	after, err := app.Discover()
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 0 {
		t.Errorf("Discover after removal returned stale entries: %v", after)
	}
}

func TestRemoveKeepsInputOrderInReport(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Test.app")
	writeBundle(t, root, "app.bin", nil)
	writeFile(t, filepath.Join(root, "b.txt"))
	writeFile(t, filepath.Join(root, "a.txt"))

	n := &captureNotifier{}
	app := openTestApp(t, root, &stubToolchain{}, n)

	if _, err := app.Remove("b.txt", "missing", "a.txt"); err != nil {
		t.Fatal(err)
	}
	if got := n.last(); got != "Removed: b.txt, a.txt from bundle." {
		t.Errorf("notification = %q", got)
	}
}

func TestRemoveAcceptsRootedPaths(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Test.app")
	writeBundle(t, root, "app.bin", nil)
	target := filepath.Join(root, "PlugIns", "X.appex")
	writeBundle(t, target, "X", nil)

	app := openTestApp(t, root, &stubToolchain{}, Discard)
	removed, err := app.Remove(target)
	if err != nil || !removed {
		t.Fatalf("Remove = %v, %v", removed, err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("expected %s to be gone", target)
	}
}

func TestRemoveRejectsPathsOutsideBundle(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "Test.app")
	writeBundle(t, root, "app.bin", nil)
	// A sibling whose name merely starts with the root path.
	sibling := root + "-backup"
	writeFile(t, filepath.Join(sibling, "keep.txt"))

	app := openTestApp(t, root, &stubToolchain{}, Discard)

	tests := []string{sibling, "../Test.app-backup", ".", root}
	for _, name := range tests {
		if _, err := app.Remove(name); !errors.Is(err, ErrOutsideBundle) {
			t.Errorf("Remove(%q) error = %v, want ErrOutsideBundle", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(sibling, "keep.txt")); err != nil {
		t.Errorf("sibling directory was touched: %v", err)
	}
}

func TestRemoveContinuesPastOutsideNames(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "Test.app")
	writeBundle(t, root, "app.bin", nil)
	writeFile(t, filepath.Join(root, "Frameworks", "a.dylib"))
	writeFile(t, filepath.Join(root, "Frameworks", "b.dylib"))
	outside := filepath.Join(dir, "outside.txt")
	writeFile(t, outside)

	n := &captureNotifier{}
	app := openTestApp(t, root, &stubToolchain{}, n)

	removed, err := app.Remove("Frameworks/a.dylib", outside, "Frameworks/b.dylib")
	if !errors.Is(err, ErrOutsideBundle) {
		t.Errorf("error = %v, want ErrOutsideBundle", err)
	}
	if !removed {
		t.Error("expected removal to be reported")
	}
	for _, name := range []string{"a.dylib", "b.dylib"} {
		if _, err := os.Stat(filepath.Join(root, "Frameworks", name)); !os.IsNotExist(err) {
			t.Errorf("expected %s to be removed", name)
		}
	}
	if _, err := os.Stat(outside); err != nil {
		t.Errorf("file outside the bundle was touched: %v", err)
	}

	want := []string{"Removed: Frameworks/a.dylib, Frameworks/b.dylib from bundle."}
	if !reflect.DeepEqual(n.messages, want) {
		t.Errorf("messages = %v, want %v", n.messages, want)
	}
}

func TestRemovePlugins(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Test.app")
	writeBundle(t, root, "app.bin", nil)
	writeBundle(t, filepath.Join(root, "PlugIns", "A.appex"), "A", nil)

	n := &captureNotifier{}
	app := openTestApp(t, root, &stubToolchain{}, n)

	if err := app.RemovePlugins([]string{"PlugIns/A.appex", "PlugIns/B.appex"}); err != nil {
		t.Fatal(err)
	}
	if got := n.last(); got != "Plugins removed: PlugIns/A.appex" {
		t.Errorf("notification = %q", got)
	}

	if err := app.RemovePlugins([]string{"PlugIns/A.appex"}); err != nil {
		t.Fatal(err)
	}
	if got := n.last(); got != "No specified plugins were found or removed." {
		t.Errorf("notification = %q", got)
	}
}

func TestHasWatchKit(t *testing.T) {
	for _, dir := range []string{"Watch", "WatchKit", "com.apple.WatchPlaceholder"} {
		t.Run(dir, func(t *testing.T) {
			root := filepath.Join(t.TempDir(), "Test.app")
			writeBundle(t, root, "app.bin", nil)
			app := openTestApp(t, root, &stubToolchain{}, Discard)

			if app.HasWatchKit() {
				t.Fatal("expected no watch kit before creating it")
			}
			if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
				t.Fatal(err)
			}
			if !app.HasWatchKit() {
				t.Errorf("expected watch kit with %s present", dir)
			}
		})
	}
}

func TestRemoveWatchAppsSkip(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Test.app")
	writeBundle(t, root, "app.bin", nil)
	writeFile(t, filepath.Join(root, "Watch", "x"))

	n := &captureNotifier{}
	app := openTestApp(t, root, &stubToolchain{}, n)

	if err := app.RemoveWatchApps(true); err != nil {
		t.Fatal(err)
	}
	if !app.HasWatchKit() {
		t.Error("skip must leave the watch app in place")
	}
	if len(n.messages) != 0 {
		t.Errorf("unexpected notifications %v", n.messages)
	}

	if err := app.RemoveWatchApps(false); err != nil {
		t.Fatal(err)
	}
	if app.HasWatchKit() {
		t.Error("expected watch app to be removed")
	}
}

func TestRemoveAllExtensions(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Test.app")
	writeBundle(t, root, "app.bin", nil)
	writeBundle(t, filepath.Join(root, "PlugIns", "A.appex"), "A", nil)
	writeBundle(t, filepath.Join(root, "Extensions", "B.appex"), "B", nil)

	n := &captureNotifier{}
	app := openTestApp(t, root, &stubToolchain{}, n)

	if err := app.RemoveAllExtensions(); err != nil {
		t.Fatal(err)
	}
	if got := n.last(); got != "Removed: Extensions, PlugIns from bundle." {
		t.Errorf("notification = %q", got)
	}
	for _, dir := range []string{"PlugIns", "Extensions"} {
		if _, err := os.Stat(filepath.Join(root, dir)); !os.IsNotExist(err) {
			t.Errorf("%s still exists", dir)
		}
	}
}

func TestRemoveEncryptedExtensions(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Test.app")
	writeBundle(t, root, "app.bin", nil)
	writeBundle(t, filepath.Join(root, "PlugIns", "X.appex"), "XBin", nil)
	writeBundle(t, filepath.Join(root, "PlugIns", "Y.appex"), "YBin", nil)

	tc := &stubToolchain{encrypted: map[string]bool{"XBin": true}}
	app := openTestApp(t, root, tc, Discard)

	if _, err := app.Discover(); err != nil {
		t.Fatal(err)
	}

	removed, err := app.RemoveEncryptedExtensions()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(removed, []string{"XBin"}) {
		t.Errorf("removed = %v, want [XBin]", removed)
	}
	if _, err := os.Stat(filepath.Join(root, "PlugIns", "X.appex")); !os.IsNotExist(err) {
		t.Error("X.appex should be removed")
	}
	if _, err := os.Stat(filepath.Join(root, "PlugIns", "Y.appex")); err != nil {
		t.Error("Y.appex should be kept")
	}

	paths, _ := app.Discover()
	if len(paths) != 1 || filepath.Base(paths[0]) != "Y.appex" {
		t.Errorf("Discover after scan = %v", paths)
	}
}

func TestRemoveEncryptedExtensionsOnlyScansTwoLevels(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Test.app")
	writeBundle(t, root, "app.bin", nil)
	writeBundle(t, filepath.Join(root, "Root.appex"), "RootBin", nil)
	writeBundle(t, filepath.Join(root, "A", "B", "Deep.appex"), "DeepBin", nil)

	tc := &stubToolchain{encrypted: map[string]bool{"RootBin": true, "DeepBin": true}}
	app := openTestApp(t, root, tc, Discard)

	removed, err := app.RemoveEncryptedExtensions()
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 0 {
		t.Errorf("expected nothing removed outside <root>/*/*.appex, got %v", removed)
	}
}
