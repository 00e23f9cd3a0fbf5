// Package codesign works on Mach-O executables inside iOS app bundles.
//
// It implements the per-binary operations the bundle package fans out over
// an app: ad-hoc placeholder signing, architecture thinning and detection
// of FairPlay encrypted images. Everything is done natively in Go, so no
// macOS tooling is required.
//
// # Basic Usage
//
//	tc := codesign.NewToolchain(codesign.ArchARM64)
//	if err := tc.Thin(path); err != nil {
//	    log.Fatal(err)
//	}
//	err := tc.Fakesign(path)
//
// # Features
//
//   - Thin and fat (universal) binaries
//   - Existing LC_CODE_SIGNATURE commands are replaced, missing ones added
//   - SHA-256 CodeDirectory bound to the bundle's Info.plist
//   - Signature inspection for the info command
package codesign
