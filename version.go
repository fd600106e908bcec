// Package relval runs release-validation batches: analysis jobs, plot
// rendering against a reference release, and a publishable web tree.
package relval

// Version is the relval release, overridden at build time with -ldflags.
var Version = "dev"
