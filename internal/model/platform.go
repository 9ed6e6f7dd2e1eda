// Package model provides the data types shared by the crosssync engine,
// its platform adapters and its record stores.
package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// PlatformKind identifies the kind of client surface a platform is.
type PlatformKind string

const (
	// KindHTTPExtension is a browser-style extension reachable over HTTP.
	KindHTTPExtension PlatformKind = "http-extension"
	// KindVaultFilesystem is a notes vault backed by a local directory.
	KindVaultFilesystem PlatformKind = "vault-filesystem"
	// KindLauncherExtension is a launcher extension with a local extension store.
	KindLauncherExtension PlatformKind = "launcher-extension"
	// KindGeneric is any other surface; delivered over its endpoint or the filesystem.
	KindGeneric PlatformKind = "generic"
)

// IsValid returns true if the kind is recognized
func (k PlatformKind) IsValid() bool {
	switch k {
	case KindHTTPExtension, KindVaultFilesystem, KindLauncherExtension, KindGeneric:
		return true
	default:
		return false
	}
}

// AllKinds returns all supported platform kinds
func AllKinds() []PlatformKind {
	return []PlatformKind{KindHTTPExtension, KindVaultFilesystem, KindLauncherExtension, KindGeneric}
}

var kindAliases = map[string]PlatformKind{
	"browser":  KindHTTPExtension,
	"vault":    KindVaultFilesystem,
	"obsidian": KindVaultFilesystem,
	"launcher": KindLauncherExtension,
	"raycast":  KindLauncherExtension,
}

// ParseKind parses a platform kind name. Short aliases such as "browser"
// and "vault" are accepted.
func ParseKind(s string) (PlatformKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if k := PlatformKind(name); k.IsValid() {
		return k, nil
	}
	if k, ok := kindAliases[name]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown platform kind %q", s)
}

// Platform is an independent client surface that sends and receives
// synchronized data.
type Platform struct {
	ID           string         `json:"id"`
	Kind         PlatformKind   `json:"kind"`
	Version      string         `json:"version"`
	Capabilities []string       `json:"capabilities"`
	LastSeen     time.Time      `json:"lastSeen"`
	Live         bool           `json:"live"`
	Endpoint     string         `json:"endpoint,omitempty"`
	Credential   string         `json:"-"`
	Metadata     map[string]any `json:"metadata"`
}

// HasCapability reports whether the platform declared capability c.
func (p Platform) HasCapability(c string) bool {
	return slices.Contains(p.Capabilities, c)
}

// CanAccess reports whether the platform may read records of the category.
// Only live platforms declaring the category's access capability qualify.
func (p Platform) CanAccess(c Category) bool {
	return p.Live && p.HasCapability(c.Capability())
}

// Stale reports whether lastSeen is more than window before now.
func (p Platform) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(p.LastSeen) > window
}

// Clone returns a copy that shares no slices or maps with p.
func (p Platform) Clone() Platform {
	c := p
	c.Capabilities = slices.Clone(p.Capabilities)
	if p.Metadata != nil {
		c.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}
