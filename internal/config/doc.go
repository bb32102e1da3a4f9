// Package config loads the market daemon configuration from a JSON file,
// fills defaults, and resolves secrets through environment indirection.
package config
