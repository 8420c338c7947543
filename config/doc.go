// Package config holds the tabsplit relay configuration.
//
// Defaults mirror the relay contract: rooms expire after two hours without
// relayed traffic and are swept every five minutes, and a connection may fail
// to join five times per minute before it is closed. The CLI overrides
// defaults from flags and TABSPLIT_* environment variables, and LoadDotEnv
// reads a .env file first so local development needs no exported variables.
package config
