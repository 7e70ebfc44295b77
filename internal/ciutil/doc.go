// Package ciutil provides utilities for CI and environment-specific functionality.
//
// It centralizes CI detection, which the logger uses to decorate records with
// build metadata, and the masking applied to connection strings before they
// reach any log sink.
package ciutil
