/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

// Package instanceid produces the unique per-process identifier the
// engine stamps onto every task it creates, so a multi-instance
// deployment can partition ownership of lease-expiry sweep work.
// Detection takes its environment as explicit arguments instead of
// reading os.Getenv/os.Hostname directly, so the probing order is
// unit-testable without process-global state.
package instanceid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/asyncgate/asyncgate/internal/config"
)

// Env is the set of environment signals Detect probes, in priority
// order. A production caller fills it from the process environment and
// os.Hostname(); tests pass fixed values for determinism.
type Env struct {
	ExplicitInstanceID        string // ASYNCGATE_INSTANCE_ID
	FlyAllocID                string // FLY_ALLOC_ID
	Hostname                  string // HOSTNAME (Kubernetes pod name convention)
	ECSContainerMetadataURI   string // ECS_CONTAINER_METADATA_URI_V4
	CloudRunRevision          string // K_REVISION
	RandomSuffix              func() string // injected for deterministic tests; defaults to an 8-hex-char random suffix
}

func (e Env) randomSuffix() string {
	if e.RandomSuffix != nil {
		return e.RandomSuffix()
	}
	return defaultRandomSuffix()
}

func defaultRandomSuffix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b[:])
}

// Detect probes Env in priority order: explicit
// override, Fly-style allocation id, Kubernetes pod name, container
// metadata path, revision name, hostname+random suffix, random.
func Detect(e Env) string {
	if e.ExplicitInstanceID != "" && e.ExplicitInstanceID != "asyncgate-1" {
		return e.ExplicitInstanceID
	}
	if e.FlyAllocID != "" {
		return e.FlyAllocID
	}
	if e.Hostname != "" && strings.Contains(e.Hostname, "-") {
		return e.Hostname
	}
	if e.ECSContainerMetadataURI != "" {
		parts := strings.Split(e.ECSContainerMetadataURI, "/")
		containerID := parts[len(parts)-1]
		if len(containerID) > 12 {
			containerID = containerID[:12]
		}
		if containerID != "" {
			return "ecs-" + containerID
		}
	}
	if e.CloudRunRevision != "" {
		return fmt.Sprintf("%s-%s", e.CloudRunRevision, e.randomSuffix())
	}
	if e.Hostname != "" {
		return fmt.Sprintf("%s-%s", e.Hostname, e.randomSuffix())
	}
	return "asyncgate-" + e.randomSuffix()
}

// unsafePrefixes are instance ids (or prefixes of them) that are safe
// only in development: they indicate the caller never configured a
// real per-process identity, which is catastrophic once more than one
// instance shares it (two sweepers both believing they own the same
// tasks, or a claimed lease silently owned by a stale instance id).
var unsafePrefixes = []string{"asyncgate-1", "localhost", "127.0.0.1"}

// ValidateUniqueness hard-rejects generic/default instance ids outside
// development, mirroring validate_instance_uniqueness's RuntimeError.
// A non-nil error here is meant to abort process startup.
func ValidateUniqueness(id string, env config.Environment) error {
	if env != config.EnvStaging && env != config.EnvProduction {
		return nil
	}
	for _, p := range unsafePrefixes {
		if id == p || strings.HasPrefix(id, p) {
			return fmt.Errorf("instance id %q is not safe for %s: multiple instances could share it, "+
				"causing lease conflicts and data corruption; set ASYNCGATE_INSTANCE_ID to a unique value "+
				"or deploy to a platform with auto-detection (Fly.io, Kubernetes, ECS, Cloud Run)", id, env)
		}
	}
	return nil
}
