// Package templates embeds the default configuration and the worker guide
// written by setup.
package templates

import "embed"

//go:embed config.yaml worker.md
var FS embed.FS
