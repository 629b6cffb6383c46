// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "strings"

// MatchChannel reports whether channel matches pattern. Patterns are:
//
//   - an exact channel name;
//   - "*", matching every non-empty channel;
//   - "prefix.*", matching "prefix" itself and every channel below it
//     on a segment boundary: "state.player.*" matches "state.player"
//     and "state.player.gold" but not "state.playerx".
func MatchChannel(pattern, channel string) bool {
	if channel == "" {
		return false
	}
	if pattern == channel || pattern == "*" {
		return true
	}
	prefix, wildcard := strings.CutSuffix(pattern, ".*")
	if !wildcard {
		return false
	}
	return channel == prefix || strings.HasPrefix(channel, prefix+".")
}
