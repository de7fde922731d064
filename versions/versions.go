// Package versions holds the schema revisions of the orchestrator service.
//
// Every file registers one revision in Registry from its init function.
// Files are named after the revision token and its slug.
package versions

import "github.com/root-talis/revise/source/registry"

// Registry contains all revisions of the orchestrator schema.
var Registry = registry.New() //nolint:gochecknoglobals
