package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aluedeke/go-bundlekit/internal/config"
	"github.com/aluedeke/go-bundlekit/pkg/bundle"
	"github.com/aluedeke/go-bundlekit/pkg/codesign"
	"github.com/aluedeke/go-bundlekit/pkg/identity"
	"github.com/aluedeke/go-bundlekit/pkg/ipa"
	"github.com/docopt/docopt-go"
	"github.com/fatih/color"
	"go.yaml.in/yaml/v3"
)

const version = "1.0.0"

const usage = `bundlekit - iOS App Bundle Patching Tool

A command-line tool for trimming, rebranding and fakesigning decrypted iOS IPA files and .app bundles.

Usage:
  bundlekit patch --app=<path> [options]
  bundlekit info --app=<path> [--yaml] [--config=<path>]
  bundlekit check [--p12=<path>] [--profile=<path>] [--password=<password>] [--device=<udid>...] [--config=<path>]
  bundlekit -h | --help
  bundlekit --version

Commands:
  patch     Apply removals, metadata edits, icon change, thinning and fakesigning
  info      Display bundle, executable and signature information
  check     Validate that a P12 certificate and provisioning profile belong together

Options:
  --app=<path>           Path to the input .ipa/.tipa file or .app bundle directory
  --output=<path>        Output path (defaults to input-patched.ext)
  --inplace              Patch a .app bundle in place
  --remove-watch         Remove the watch app companions
  --remove-extensions    Remove all app extensions (PlugIns and Extensions)
  --remove-encrypted     Remove extensions whose executable is still encrypted
  --remove=<names>       Comma separated bundle-relative paths to remove
  --bundleid=<id>        New CFBundleIdentifier
  --name=<name>          New display name
  --app-version=<v>      New CFBundleShortVersionString and CFBundleVersion
  --min-os=<v>           New MinimumOSVersion
  --file-sharing         Enable Files app document access
  --remove-devices       Drop UISupportedDevices
  --icon=<path>          Replace the app icon with this image
  --thin                 Keep only the configured architecture in every executable
  --arch=<arch>          Architecture kept by --thin (overrides thin.arch)
  --fakesign             Ad-hoc sign every executable
  --yaml                 Print info as YAML
  --p12=<path>           Path to the P12 certificate file (or CODESIGN_P12 env var)
  --profile=<path>       Path to the provisioning profile (or CODESIGN_PROFILE env var)
  --password=<password>  Password for the P12 certificate (or CODESIGN_PASSWORD env var)
  --device=<udid>        Device UDID that the profile must provision
  --config=<path>        Config file (defaults to ~/.bundlekit/config.yaml)
  -h --help              Show this help message
  --version              Show version

Environment Variables:
  BUNDLEKIT_WORKERS      Concurrent transforms (0 = one per CPU)
  BUNDLEKIT_THIN_ARCH    Architecture kept by --thin (default arm64)
  BUNDLEKIT_LOG_LEVEL    debug, info, warn or error
  BUNDLEKIT_COLOR        Colour status output (default true)
  CODESIGN_P12          Path to P12 certificate file (overridden by --p12)
  CODESIGN_PROFILE      Path to provisioning profile (overridden by --profile)
  CODESIGN_PASSWORD     P12 certificate password (overridden by --password)

Examples:
  # Remove watch apps and extensions, then fakesign
  bundlekit patch --app=MyApp.ipa --remove-watch --remove-extensions --fakesign

  # Rebrand and thin a decrypted IPA
  bundlekit patch --app=MyApp.ipa --name="My App" --bundleid=com.example.myapp --icon=icon.jpg --thin --fakesign

  # Show what is inside an IPA
  bundlekit info --app=MyApp.ipa --yaml

  # Validate a signing identity
  bundlekit check --p12=cert.p12 --profile=dev.mobileprovision --password=secret
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	configPath, _ := opts.String("--config")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)

	if patch, _ := opts.Bool("patch"); patch {
		err = runPatch(opts, cfg, logger)
	} else if info, _ := opts.Bool("info"); info {
		err = runInfo(opts, cfg, logger)
	} else if check, _ := opts.Bool("check"); check {
		err = runCheck(opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// workspace is an app bundle prepared for modification.
type workspace struct {
	appPath string
	tempDir string
	archive bool
}

func (w *workspace) cleanup() {
	if w.tempDir != "" {
		os.RemoveAll(w.tempDir)
	}
}

// openWorkspace extracts an archive or copies a .app bundle to a temporary
// location. With inplace a .app bundle is used directly.
func openWorkspace(inputPath string, inplace bool) (*workspace, error) {
	if ipa.IsArchive(inputPath) {
		tempDir, err := ipa.Extract(inputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to extract IPA: %w", err)
		}
		appPath, err := ipa.FindApp(tempDir)
		if err != nil {
			os.RemoveAll(tempDir)
			return nil, fmt.Errorf("failed to find app bundle: %w", err)
		}
		return &workspace{appPath: appPath, tempDir: tempDir, archive: true}, nil
	}

	if inplace {
		return &workspace{appPath: inputPath}, nil
	}

	tempDir, err := os.MkdirTemp("", "bundlekit-app-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	appPath := filepath.Join(tempDir, filepath.Base(filepath.Clean(inputPath)))
	if err := ipa.CopyDir(inputPath, appPath); err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to copy app bundle to temp location: %w", err)
	}
	return &workspace{appPath: appPath, tempDir: tempDir}, nil
}

func newToolchain(opts docopt.Opts, cfg *config.Config) (*codesign.Toolchain, error) {
	archName := cfg.ThinArch
	if a, _ := opts.String("--arch"); a != "" {
		archName = a
	}
	arch, err := codesign.ParseArch(archName)
	if err != nil {
		return nil, err
	}
	return codesign.NewToolchain(arch), nil
}

func runPatch(opts docopt.Opts, cfg *config.Config, logger *slog.Logger) error {
	inputPath, _ := opts.String("--app")
	outputPath, _ := opts.String("--output")
	inplace, _ := opts.Bool("--inplace")

	if inplace {
		if ipa.IsArchive(inputPath) {
			return fmt.Errorf("--inplace can only be used with .app bundles, not archives")
		}
		if outputPath != "" {
			return fmt.Errorf("cannot specify both --inplace and --output")
		}
	}
	if outputPath == "" && !inplace {
		clean := filepath.Clean(inputPath)
		ext := filepath.Ext(clean)
		outputPath = strings.TrimSuffix(clean, ext) + "-patched" + ext
	}

	tc, err := newToolchain(opts, cfg)
	if err != nil {
		return err
	}

	ws, err := openWorkspace(inputPath, inplace)
	if err != nil {
		return err
	}
	defer ws.cleanup()

	fmt.Printf("Patching: %s\n", inputPath)
	if inplace {
		fmt.Printf("Mode: In-place (modifies original)\n")
	} else {
		fmt.Printf("Output: %s\n", outputPath)
	}
	fmt.Println()

	app, err := bundle.Open(ws.appPath,
		bundle.WithToolchain(tc),
		bundle.WithNotifier(newConsoleNotifier(cfg.Color)),
		bundle.WithLogger(logger),
		bundle.WithWorkers(cfg.Workers),
	)
	if err != nil {
		return err
	}

	if err := applyRemovals(app, opts); err != nil {
		return err
	}
	if err := applyMetadata(app, opts); err != nil {
		return err
	}
	if iconPath, _ := opts.String("--icon"); iconPath != "" {
		scratch, err := os.MkdirTemp("", "bundlekit-icon-*")
		if err != nil {
			return fmt.Errorf("failed to create temp directory: %w", err)
		}
		defer os.RemoveAll(scratch)
		if err := app.ChangeIcon(iconPath, scratch); err != nil {
			return err
		}
	}

	// Info.plist is hashed into the signature, so it is written first.
	if err := app.Save(); err != nil {
		return err
	}
	if thin, _ := opts.Bool("--thin"); thin {
		if _, err := app.ThinAll(); err != nil {
			return err
		}
	}
	if fakesign, _ := opts.Bool("--fakesign"); fakesign {
		if _, err := app.FakesignAll(); err != nil {
			return err
		}
	}

	switch {
	case ws.archive:
		if err := ipa.Repackage(ws.tempDir, outputPath); err != nil {
			return fmt.Errorf("failed to repackage IPA: %w", err)
		}
		fmt.Printf("Successfully patched IPA: %s\n", outputPath)
	case inplace:
		fmt.Printf("Successfully patched .app bundle in-place: %s\n", inputPath)
	default:
		if err := ipa.CopyDir(ws.appPath, outputPath); err != nil {
			return fmt.Errorf("failed to copy patched app bundle: %w", err)
		}
		fmt.Printf("Successfully patched .app bundle: %s\n", outputPath)
	}
	return nil
}

func applyRemovals(app *bundle.App, opts docopt.Opts) error {
	if app.HasWatchKit() {
		removeWatch, _ := opts.Bool("--remove-watch")
		if err := app.RemoveWatchApps(!removeWatch); err != nil {
			return err
		}
	}
	if all, _ := opts.Bool("--remove-extensions"); all {
		if err := app.RemoveAllExtensions(); err != nil {
			return err
		}
	}
	if names, _ := opts.String("--remove"); names != "" {
		var list []string
		for _, name := range strings.Split(names, ",") {
			if name = strings.TrimSpace(name); name != "" {
				list = append(list, name)
			}
		}
		if err := app.RemovePlugins(list); err != nil {
			return err
		}
	}
	if encrypted, _ := opts.Bool("--remove-encrypted"); encrypted {
		if _, err := app.RemoveEncryptedExtensions(); err != nil {
			return err
		}
	}
	return nil
}

func applyMetadata(app *bundle.App, opts docopt.Opts) error {
	edits := []struct {
		flag  string
		apply func(string) error
	}{
		{"--bundleid", app.SetBundleID},
		{"--name", app.SetDisplayName},
		{"--app-version", app.SetVersion},
		{"--min-os", app.SetMinimumOS},
	}
	for _, e := range edits {
		if v, _ := opts.String(e.flag); v != "" {
			if err := e.apply(v); err != nil {
				return err
			}
		}
	}
	if on, _ := opts.Bool("--file-sharing"); on {
		app.EnableFileSharing()
	}
	if on, _ := opts.Bool("--remove-devices"); on {
		app.RemoveSupportedDevices()
	}
	return nil
}

// appReport is the info output.
type appReport struct {
	Path        string                 `yaml:"path"`
	BundleID    string                 `yaml:"bundle_id"`
	Name        string                 `yaml:"name,omitempty"`
	Version     string                 `yaml:"version,omitempty"`
	MinimumOS   string                 `yaml:"minimum_os,omitempty"`
	Executable  *codesign.BinaryInfo   `yaml:"executable"`
	Artifacts   []*codesign.BinaryInfo `yaml:"artifacts,omitempty"`
	Unreadable  []string               `yaml:"unreadable,omitempty"`
	HasWatchKit bool                   `yaml:"has_watchkit"`
}

func runInfo(opts docopt.Opts, cfg *config.Config, logger *slog.Logger) error {
	inputPath, _ := opts.String("--app")
	asYAML, _ := opts.Bool("--yaml")

	tc, err := newToolchain(opts, cfg)
	if err != nil {
		return err
	}

	appPath := inputPath
	if ipa.IsArchive(inputPath) {
		tempDir, err := ipa.Extract(inputPath)
		if err != nil {
			return fmt.Errorf("failed to extract IPA: %w", err)
		}
		defer os.RemoveAll(tempDir)
		if appPath, err = ipa.FindApp(tempDir); err != nil {
			return fmt.Errorf("failed to find app bundle: %w", err)
		}
	}

	app, err := bundle.Open(appPath, bundle.WithToolchain(tc), bundle.WithLogger(logger))
	if err != nil {
		return err
	}

	report := &appReport{Path: inputPath, HasWatchKit: app.HasWatchKit()}
	m := app.Manifest()
	report.BundleID, _ = m.String("CFBundleIdentifier")
	report.Name, _ = m.String("CFBundleDisplayName")
	if report.Name == "" {
		report.Name, _ = m.String("CFBundleName")
	}
	report.Version, _ = m.String("CFBundleShortVersionString")
	report.MinimumOS, _ = m.String("MinimumOSVersion")

	if report.Executable, err = tc.Describe(app.Executable().Path()); err != nil {
		return fmt.Errorf("failed to inspect executable: %w", err)
	}

	artifacts, err := app.Discover()
	if err != nil {
		return err
	}
	for _, path := range artifacts {
		exe, err := bundle.ResolveExecutable(path, tc)
		if err == nil {
			var info *codesign.BinaryInfo
			if info, err = tc.Describe(exe.Path()); err == nil {
				report.Artifacts = append(report.Artifacts, info)
				continue
			}
		}
		logger.Debug("could not inspect artifact", "path", path, "error", err)
		report.Unreadable = append(report.Unreadable, relTo(app.Root(), path))
	}

	if asYAML {
		out, err := yaml.Marshal(report)
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		os.Stdout.Write(out)
		return nil
	}

	printAppReport(app.Root(), report)
	return nil
}

func printAppReport(root string, r *appReport) {
	fmt.Println("App Bundle Information")
	fmt.Println("======================")
	fmt.Printf("Path:        %s\n", r.Path)
	fmt.Printf("Bundle ID:   %s\n", r.BundleID)
	fmt.Printf("Name:        %s\n", r.Name)
	fmt.Printf("Version:     %s\n", r.Version)
	fmt.Printf("Minimum OS:  %s\n", r.MinimumOS)
	fmt.Printf("WatchKit:    %v\n", r.HasWatchKit)

	fmt.Println()
	fmt.Println("Executable")
	fmt.Println("----------")
	printBinary(root, r.Executable)

	if len(r.Artifacts) > 0 {
		fmt.Println()
		fmt.Printf("Artifacts (%d)\n", len(r.Artifacts))
		fmt.Println("-------------")
		for _, info := range r.Artifacts {
			printBinary(root, info)
		}
	}
	for _, path := range r.Unreadable {
		fmt.Printf("  %s (not a Mach-O file)\n", path)
	}
}

func printBinary(root string, info *codesign.BinaryInfo) {
	fmt.Printf("  %s [%s]", relTo(root, info.Path), strings.Join(info.Architectures, ", "))
	if info.Encrypted {
		fmt.Print(" encrypted")
	}
	fmt.Println()
	codesign.PrintBinaryInfo(os.Stdout, info)
}

func relTo(root, path string) string {
	if rel, err := filepath.Rel(root, path); err == nil {
		return rel
	}
	return path
}

func runCheck(opts docopt.Opts) error {
	p12Path, _ := opts.String("--p12")
	profilePath, _ := opts.String("--profile")
	password, _ := opts.String("--password")

	// Get values from environment if not provided via flags
	if p12Path == "" {
		p12Path = os.Getenv("CODESIGN_P12")
	}
	if profilePath == "" {
		profilePath = os.Getenv("CODESIGN_PROFILE")
	}
	if password == "" {
		password = os.Getenv("CODESIGN_PASSWORD")
	}
	if p12Path == "" {
		return fmt.Errorf("--p12 is required (or set CODESIGN_P12 environment variable)")
	}
	if profilePath == "" {
		return fmt.Errorf("--profile is required (or set CODESIGN_PROFILE environment variable)")
	}

	p12Data, err := os.ReadFile(p12Path)
	if err != nil {
		return fmt.Errorf("failed to read P12 file: %w", err)
	}
	profileData, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("failed to read provisioning profile: %w", err)
	}

	profile, err := identity.ParseProfile(profileData)
	if err != nil {
		return err
	}
	id, err := identity.LoadSigningIdentityWithProfile(p12Data, password, profile)
	if err != nil {
		return err
	}

	devices, _ := opts["--device"].([]string)
	r := identity.Check(id, profile, time.Now(), devices...)

	fmt.Println("Signing Identity Check")
	fmt.Println("======================")
	fmt.Printf("Certificate:    %s\n", r.Subject)
	fmt.Printf("Team ID:        %s\n", r.TeamID)
	fmt.Printf("Expires:        %s\n", r.CertificateExpires.Format("2006-01-02"))
	fmt.Printf("Apple issued:   %v\n", r.AppleIssued)
	fmt.Printf("Profile:        %s\n", r.ProfileName)
	fmt.Printf("Profile team:   %s\n", r.ProfileTeamID)
	fmt.Printf("Profile expiry: %s\n", r.ProfileExpires.Format("2006-01-02"))
	fmt.Printf("App ID:         %s\n", r.ApplicationID)
	if r.AllDevices {
		fmt.Println("Devices:        all")
	} else {
		fmt.Printf("Devices:        %d\n", r.Devices)
	}
	fmt.Println()

	for _, w := range r.Warnings {
		color.New(color.FgYellow).Printf("  ! %s\n", w)
	}

	if r.OK() {
		color.New(color.FgGreen, color.Bold).Println("Certificate and profile match.")
		return nil
	}
	for _, p := range r.Problems {
		color.New(color.FgRed).Printf("  - %s\n", p)
	}
	return fmt.Errorf("%d problem(s) found", len(r.Problems))
}
