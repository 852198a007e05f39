// Package config loads the JSON runtime configuration: API listener,
// storage and queue drivers, market definitions, LLM provider, auth and
// alerting settings. Relative paths resolve against the config file's
// directory.
package config
