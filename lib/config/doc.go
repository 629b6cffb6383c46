// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads crosslink bridge configuration.
//
// Configuration comes from a single file named by the CROSSLINK_CONFIG
// environment variable (via [Load]) or a --config flag (via
// [LoadFile]). There is no file discovery. Files ending in .yaml or
// .yml are YAML; files ending in .json or .jsonc are JSON with
// comments and trailing commas allowed. Unknown keys are errors.
//
// After the file, CROSSLINK_* environment variables overlay individual
// fields (CROSSLINK_ENDPOINT, CROSSLINK_PORT, CROSSLINK_AUTH_TOKEN, and
// so on; see the env tags on [Config]). [LoadEnv] applies the overlay
// to the defaults when there is no file at all.
//
// ${VAR} and ${VAR:-default} are expanded in auth_token_file so token
// paths can be written relative to $HOME or a credentials directory.
//
// Durations are seconds, as floats: poll_interval: 0.25 is 250ms.
package config
