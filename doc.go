// Package main provides the bundlekit CLI for patching iOS app bundles.
//
// For the library API, see the bundle subpackage:
//
//	import "github.com/aluedeke/go-bundlekit/pkg/bundle"
//
// # Installation
//
//	go install github.com/aluedeke/go-bundlekit@latest
package main
