// Package defaults embeds the starter configuration written by
// parley init.
package defaults

import _ "embed"

// ConfigYAML is a commented config.yaml covering every section.
//
//go:embed config.example.yaml
var ConfigYAML []byte
