// Package config loads and hot-reloads the framesched configuration file.
//
// Files are JSON or YAML. YAML is converted to JSON first so both formats are
// decoded strictly: unknown keys and trailing content are errors.
package config
