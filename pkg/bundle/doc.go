// Package bundle edits extracted iOS app bundles in place.
//
// An App is opened once per session from the bundle directory. It loads the
// bundle's Info.plist, resolves the main executable and lazily discovers
// every embedded dylib, extension and framework.
//
// # Basic Usage
//
//	app, err := bundle.Open(appPath,
//	    bundle.WithToolchain(codesign.NewToolchain(codesign.ArchARM64)),
//	    bundle.WithNotifier(notifier),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_ = app.RemoveWatchApps(false)
//	_, _ = app.FakesignAll()
//
// # Concurrency
//
// Bulk transforms (fakesign, thin) run on a bounded worker pool; a failure
// in one artifact never stops the others. Removals are sequential and drop
// the discovered-artifact cache, so the next transform rescans the tree.
package bundle
