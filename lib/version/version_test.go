// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfoMarksDirtyBuilds(t *testing.T) {
	original := GitDirty
	t.Cleanup(func() { GitDirty = original })

	GitDirty = "false"
	if strings.Contains(Info(), "-dirty") {
		t.Fatalf("clean build reported dirty: %s", Info())
	}
	GitDirty = "true"
	if !strings.Contains(Info(), "-dirty") {
		t.Fatalf("dirty build not marked: %s", Info())
	}
}

func TestUserAgent(t *testing.T) {
	agent := UserAgent("polling")
	if !strings.HasPrefix(agent, "crosslink-polling/"+Version) {
		t.Fatalf("UserAgent = %q", agent)
	}
	if !strings.Contains(Full(), "Platform:") {
		t.Fatalf("Full() missing platform: %s", Full())
	}
}
