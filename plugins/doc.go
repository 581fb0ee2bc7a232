// Package plugins hosts the installable content bundles. Bundles contribute
// questionnaires, subject types, editors and listeners through
// core.PluginRegistry and never reach into storage backends or the HTTP
// adapters directly; architecture_test.go enforces that boundary.
package plugins
