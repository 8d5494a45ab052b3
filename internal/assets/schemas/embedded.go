// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so the CLI validates job sets the same
// way regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// JobSetSchema is the embedded job-set JSON schema.
//
//go:embed jobset.schema.json
var JobSetSchema []byte
