package config

import "embed"

const policyBundleSchemaFile = "schema/policy_bundle.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
