package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"
)

// App is a view over one extracted .app bundle. It owns the bundle's
// manifest, its primary executable and a cache of discovered secondary
// executables.
//
// An App is driven by a single goroutine. Only MassOperate fans work out,
// and its workers never touch the cache or the manifest.
type App struct {
	root       string
	manifest   *Manifest
	executable *Binary

	toolchain Toolchain
	notifier  Notifier
	logger    *slog.Logger
	imaging   Imaging
	workers   int

	cached     []string
	cacheValid bool
}

// Option configures an App.
type Option func(*App)

// WithToolchain sets the implementation behind fakesign, thin and
// encryption checks.
func WithToolchain(tc Toolchain) Option {
	return func(a *App) {
		if tc != nil {
			a.toolchain = tc
		}
	}
}

// WithNotifier sets the sink for status messages.
func WithNotifier(n Notifier) Option {
	return func(a *App) {
		if n == nil {
			n = Discard
		}
		a.notifier = n
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithImaging sets the image capability used by ChangeIcon. Passing nil
// makes ChangeIcon a no-op.
func WithImaging(im Imaging) Option {
	return func(a *App) { a.imaging = im }
}

// WithWorkers bounds the number of concurrent transforms. Values below one
// mean one worker per CPU.
func WithWorkers(n int) Option {
	return func(a *App) { a.workers = n }
}

// Open loads the bundle rooted at root. The root is assumed to be a valid
// bundle; Open only fails if its Info.plist cannot be read or names no
// executable.
func Open(root string, opts ...Option) (*App, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bundle path: %w", err)
	}

	a := &App{
		root:      abs,
		toolchain: unavailableToolchain{},
		notifier:  Discard,
		logger:    slog.Default(),
		imaging:   StdImaging{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.workers < 1 {
		a.workers = runtime.NumCPU()
	}

	a.manifest, err = LoadManifest(filepath.Join(abs, "Info.plist"))
	if err != nil {
		return nil, err
	}
	a.executable, err = primaryBinary(abs, a.manifest, a.toolchain)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// nested opens a bundle below a, sharing its collaborators.
func (a *App) nested(root string) (*App, error) {
	return Open(root,
		WithToolchain(a.toolchain),
		WithNotifier(a.notifier),
		WithLogger(a.logger),
		WithImaging(a.imaging),
		WithWorkers(a.workers),
	)
}

// Root returns the absolute bundle directory.
func (a *App) Root() string { return a.root }

// Manifest returns the bundle's Info.plist view.
func (a *App) Manifest() *Manifest { return a.manifest }

// Executable returns the primary executable.
func (a *App) Executable() Executable { return a.executable }

// Save persists the manifest.
func (a *App) Save() error {
	return a.manifest.Persist()
}

// Discover returns the absolute paths of every dylib, extension and
// framework below the bundle root, in lexical walk order. The walk is
// cached until the next removal through this App; callers get their own copy.
func (a *App) Discover() ([]string, error) {
	if a.cacheValid {
		return slices.Clone(a.cached), nil
	}

	var found []string
	err := filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == a.root {
			return nil
		}
		// Symlinks are never followed or collected.
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if isArtifactName(d.Name()) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan bundle: %w", err)
	}

	a.cached = found
	a.cacheValid = true
	return slices.Clone(found), nil
}

// Invalidate drops the cached artifact list.
func (a *App) Invalidate() {
	a.cached = nil
	a.cacheValid = false
}

// MassOperate applies c to every secondary executable concurrently and to
// the primary executable, then reports "<label> <n> item(s)". The returned
// count includes the primary executable when it succeeded. A failing or
// panicking artifact only drops out of the count.
func (a *App) MassOperate(label string, c Capability) (int, error) {
	if !c.valid() {
		return 0, fmt.Errorf("%v: %w", c, ErrUnknownCapability)
	}

	snapshot, err := a.Discover()
	if err != nil {
		return 0, err
	}
	results := make([]bool, len(snapshot))

	var g errgroup.Group
	g.SetLimit(a.workers)
	for i, path := range snapshot {
		g.Go(func() error {
			results[i] = a.operate(path, c)
			return nil
		})
	}
	_ = g.Wait()

	count := 0
	if a.apply(a.executable, c) {
		count++
	}
	for _, ok := range results {
		if ok {
			count++
		}
	}

	a.notify(fmt.Sprintf("%s %d item(s)", label, count))
	return count, nil
}

// operate runs in a worker and must only read its own path.
func (a *App) operate(path string, c Capability) bool {
	exe, err := ResolveExecutable(path, a.toolchain)
	if err != nil {
		a.logger.Warn("skipping artifact", "path", path, "error", err)
		return false
	}
	return a.apply(exe, c)
}

func (a *App) apply(exe Executable, c Capability) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("capability panicked", "capability", c, "path", exe.Path(), "panic", r)
			ok = false
		}
	}()

	if err := c.apply(exe); err != nil {
		a.logger.Warn("capability failed", "capability", c, "path", exe.Path(), "error", err)
		return false
	}
	return true
}

// FakesignAll placeholder-signs every executable in the bundle.
func (a *App) FakesignAll() (int, error) {
	n, err := a.MassOperate("fakesigned", Fakesign)
	if err != nil {
		return n, err
	}
	a.notify("All executables fakesigned!")
	return n, nil
}

// ThinAll strips foreign architecture slices from every executable.
func (a *App) ThinAll() (int, error) {
	n, err := a.MassOperate("thinned", Thin)
	if err != nil {
		return n, err
	}
	a.notify("All executables thinned!")
	return n, nil
}

type unavailableToolchain struct{}

func (unavailableToolchain) Fakesign(string) error { return errNoToolchain }
func (unavailableToolchain) Thin(string) error     { return errNoToolchain }

func (unavailableToolchain) IsEncrypted(string) (bool, error) {
	return false, errNoToolchain
}

var errNoToolchain = errors.New("no toolchain configured")
