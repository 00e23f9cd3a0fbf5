package ipa

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// writeZip creates a zip at path holding the given name -> content entries.
// Names ending in "/" become directory entries.
func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	w := zip.NewWriter(f)
	for _, name := range names {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
		hdr.SetMode(0644)
		if name[len(name)-1] == '/' {
			hdr.SetMode(os.ModeDir | 0755)
		}
		fw, err := w.CreateHeader(hdr)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(entries[name])); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestExtractAndFindApp(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "Test.ipa")
	writeZip(t, archive, map[string]string{
		"Payload/":                    "",
		"Payload/Test.app/":           "",
		"Payload/Test.app/Info.plist": "<plist/>",
		"Payload/Test.app/Test":       "binary",
		"iTunesMetadata.plist":        "meta",
	})

	extracted, err := Extract(archive)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	defer os.RemoveAll(extracted)

	app, err := FindApp(extracted)
	if err != nil {
		t.Fatalf("FindApp failed: %v", err)
	}
	if filepath.Base(app) != "Test.app" {
		t.Errorf("FindApp = %s", app)
	}
	data, err := os.ReadFile(filepath.Join(app, "Test"))
	if err != nil || string(data) != "binary" {
		t.Errorf("unexpected executable contents %q, %v", data, err)
	}
}

func TestExtractRejectsZipSlip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.ipa")
	writeZip(t, archive, map[string]string{
		"../escape.txt": "nope",
	})

	dest := filepath.Join(dir, "out")
	if err := os.Mkdir(dest, 0755); err != nil {
		t.Fatal(err)
	}
	if err := ExtractTo(archive, dest); err == nil {
		t.Fatal("expected error for path outside destination")
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.txt")); !os.IsNotExist(err) {
		t.Error("file escaped the destination directory")
	}
}

func TestFindAppMissing(t *testing.T) {
	dir := t.TempDir()
	if _, err := FindApp(dir); err == nil {
		t.Error("expected error without Payload directory")
	}
	if err := os.MkdirAll(filepath.Join(dir, "Payload", "notes"), 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := FindApp(dir); !errors.Is(err, ErrNoApp) {
		t.Errorf("expected ErrNoApp, got %v", err)
	}
}

func TestRepackageRoundTrip(t *testing.T) {
	src := t.TempDir()
	app := filepath.Join(src, "Payload", "Test.app")
	if err := os.MkdirAll(filepath.Join(app, "Frameworks"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(app, "Test"), []byte("exec"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(app, "Frameworks", "lib.dylib"), []byte("lib"), 0644); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "Out.tipa")
	if err := Repackage(src, out); err != nil {
		t.Fatalf("Repackage failed: %v", err)
	}

	r, err := zip.OpenReader(out)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, f := range r.File {
		names[f.Name] = true
	}
	r.Close()
	for _, want := range []string{"Payload/Test.app/", "Payload/Test.app/Test", "Payload/Test.app/Frameworks/lib.dylib"} {
		if !names[want] {
			t.Errorf("missing entry %s in %v", want, names)
		}
	}

	extracted, err := Extract(out)
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(extracted)
	info, err := os.Stat(filepath.Join(extracted, "Payload", "Test.app", "Test"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0100 == 0 {
		t.Errorf("executable bit lost: %v", info.Mode())
	}
}

func TestCopyDir(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "a", "b"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "a", "b", "f"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(t.TempDir(), "copy")
	if err := os.MkdirAll(filepath.Join(dst, "stale"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := CopyDir(src, dst); err != nil {
		t.Fatalf("CopyDir failed: %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(dst, "a", "b", "f")); err != nil || string(data) != "x" {
		t.Errorf("copied file = %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(dst, "stale")); !os.IsNotExist(err) {
		t.Error("existing destination content was kept")
	}
}

func TestIsArchive(t *testing.T) {
	for path, want := range map[string]bool{
		"a.ipa":       true,
		"b.TIPA":      true,
		"c.app":       false,
		"Payload.zip": false,
	} {
		if got := IsArchive(path); got != want {
			t.Errorf("IsArchive(%q) = %v", path, got)
		}
	}
}
