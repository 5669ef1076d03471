// Package config loads the OpenMCP-Chat runtime configuration from a JSON or
// YAML file, fills in defaults for every section and resolves secrets such as
// provider API keys from the environment.
package config
