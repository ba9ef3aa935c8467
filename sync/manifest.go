// Package sync converts external build-tool artifacts (dbt manifests,
// OpenAPI specs, GraphQL introspections, git-friendly YAML) into assets,
// contracts, proposals, and consumer registrations.
package sync

import (
	"fmt"
	"strings"
)

// Conflict handling modes for manifest uploads.
const (
	ConflictOverwrite = "overwrite"
	ConflictIgnore    = "ignore"
	ConflictFail      = "fail"
)

// Manifest is a parsed dbt manifest.json. Nodes and sources are kept as raw
// maps: manifests carry far more than this service reads, and unknown keys
// must survive untouched.
type Manifest struct {
	Nodes   map[string]map[string]any
	Sources map[string]map[string]any
}

// ParseManifest extracts the node and source mappings from raw manifest JSON.
func ParseManifest(raw map[string]any) Manifest {
	return Manifest{
		Nodes:   nodeMap(raw["nodes"]),
		Sources: nodeMap(raw["sources"]),
	}
}

func nodeMap(raw any) map[string]map[string]any {
	out := map[string]map[string]any{}
	m, ok := raw.(map[string]any)
	if !ok {
		return out
	}
	for id, entry := range m {
		if node, ok := entry.(map[string]any); ok {
			out[id] = node
		}
	}
	return out
}

// modelLike reports whether a node participates in asset ingestion.
func modelLike(node map[string]any) bool {
	switch stringField(node, "resource_type") {
	case "model", "seed", "snapshot":
		return true
	}
	return false
}

// NodeFQN derives the governed fully-qualified name for a node or source:
// lower("{database}.{schema}.{name}").
func NodeFQN(node map[string]any) string {
	return strings.ToLower(fmt.Sprintf("%s.%s.%s",
		stringField(node, "database"),
		stringField(node, "schema"),
		stringField(node, "name")))
}

// MetaConfig is the parsed meta.tessera block from a node's YAML.
type MetaConfig struct {
	OwnerTeam         string
	OwnerUser         string
	Consumers         []map[string]any
	Freshness         map[string]any
	Volume            map[string]any
	CompatibilityMode string
}

// ExtractMeta reads ownership, consumer, and SLA configuration from
// meta.tessera.
func ExtractMeta(node map[string]any) MetaConfig {
	meta, _ := node["meta"].(map[string]any)
	cfg, _ := meta["tessera"].(map[string]any)
	if cfg == nil {
		return MetaConfig{}
	}
	out := MetaConfig{
		OwnerTeam:         stringField(cfg, "owner_team"),
		OwnerUser:         stringField(cfg, "owner_user"),
		CompatibilityMode: stringField(cfg, "compatibility_mode"),
	}
	if freshness, ok := cfg["freshness"].(map[string]any); ok {
		out.Freshness = freshness
	}
	if volume, ok := cfg["volume"].(map[string]any); ok {
		out.Volume = volume
	}
	if consumers, ok := cfg["consumers"].([]any); ok {
		for _, entry := range consumers {
			if consumer, ok := entry.(map[string]any); ok {
				out.Consumers = append(out.Consumers, consumer)
			}
		}
	}
	return out
}

// dependsOn lists the node ids a node depends on.
func dependsOn(node map[string]any) []string {
	deps, _ := node["depends_on"].(map[string]any)
	raw, _ := deps["nodes"].([]any)
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		if id, ok := entry.(string); ok {
			out = append(out, id)
		}
	}
	return out
}

// columnMap returns the node's column definitions.
func columnMap(node map[string]any) map[string]map[string]any {
	return nodeMap(node["columns"])
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringList(raw any) []string {
	list, _ := raw.([]any)
	out := make([]string, 0, len(list))
	for _, entry := range list {
		if s, ok := entry.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
