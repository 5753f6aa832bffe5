// Package compose parses compose manifests, extracts the per-service data
// the backup engine needs (image, volume destinations, environment), and
// rewrites a manifest so it deploys free of host conflicts.
package compose

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stackvault/backupd/internal/apperr"
	"github.com/stackvault/backupd/internal/model"
)

// ServiceSpec is the parsed per-service view of a manifest.
type ServiceSpec = model.ServiceSpec

// Manifest is a parsed compose file. Unknown top-level and per-service
// keys pass through opaquely via the raw node tree, which Rewrite
// operates on directly so comments and key order survive rewriting.
type Manifest struct {
	StackName string
	Services  map[string]ServiceSpec
	raw       yaml.Node
	text      string
}

// Parse parses a compose manifest into a Manifest. The parser never
// performs variable interpolation — that happens explicitly at
// rewrite/redeploy time via Interpolate.
func Parse(manifestText string) (*Manifest, error) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(manifestText), &root); err != nil {
		return nil, apperr.Wrap(apperr.ParseError, "parse compose manifest", err)
	}
	if len(root.Content) == 0 {
		return nil, apperr.New(apperr.ParseError, "empty compose manifest")
	}

	m := &Manifest{Services: map[string]ServiceSpec{}, raw: root, text: manifestText}

	doc := root.Content[0]
	servicesNode := mapValue(doc, "services")
	if servicesNode == nil {
		return nil, apperr.New(apperr.ParseError, "compose manifest has no services block")
	}

	for i := 0; i+1 < len(servicesNode.Content); i += 2 {
		nameNode := servicesNode.Content[i]
		svcNode := servicesNode.Content[i+1]
		spec := ServiceSpec{EnvOverrides: map[string]string{}}

		if img := mapValue(svcNode, "image"); img != nil {
			spec.Image = img.Value
		}
		if vols := mapValue(svcNode, "volumes"); vols != nil {
			spec.DeclaredVolumeDestinations = extractVolumeDestinations(vols)
		}
		if env := mapValue(svcNode, "environment"); env != nil {
			spec.EnvOverrides = extractEnv(env)
		}

		m.Services[nameNode.Value] = spec
	}

	if name := mapValue(doc, "name"); name != nil {
		m.StackName = name.Value
	}

	return m, nil
}

// mapValue returns the value node for key in a YAML mapping node, or nil.
func mapValue(mapping *yaml.Node, key string) *yaml.Node {
	if mapping == nil || mapping.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

// extractVolumeDestinations applies the three volume-destination rules
// from the component design: short form "HOST:CONTAINER[:ro]" keeps
// CONTAINER, bare "CONTAINER" keeps CONTAINER, long form {target: X}
// keeps X.
func extractVolumeDestinations(vols *yaml.Node) []string {
	var out []string
	for _, item := range vols.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			parts := strings.Split(item.Value, ":")
			switch len(parts) {
			case 1:
				out = append(out, parts[0])
			default:
				// HOST:CONTAINER or HOST:CONTAINER:ro — keep CONTAINER.
				out = append(out, parts[1])
			}
		case yaml.MappingNode:
			if target := mapValue(item, "target"); target != nil {
				out = append(out, target.Value)
			}
		}
	}
	return out
}

// extractEnv accepts both array form ("K=V") and map form, splitting on
// the first "=". An empty value is permitted.
func extractEnv(env *yaml.Node) map[string]string {
	out := map[string]string{}
	switch env.Kind {
	case yaml.SequenceNode:
		for _, item := range env.Content {
			k, v, ok := strings.Cut(item.Value, "=")
			if ok {
				out[k] = v
			} else {
				out[item.Value] = ""
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(env.Content); i += 2 {
			out[env.Content[i].Value] = env.Content[i+1].Value
		}
	}
	return out
}

// Interpolate expands ${VAR} and ${VAR:-default} references in s using
// env, falling back to an empty string for unresolved placeholders. It is
// never applied during Parse — only explicitly, at rewrite or redeploy
// time, per the component design's interpolation rule.
func Interpolate(s string, env map[string]string) string {
	var sb strings.Builder
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "${")
		if start < 0 {
			sb.WriteString(s[i:])
			break
		}
		start += i
		end := strings.Index(s[start:], "}")
		if end < 0 {
			sb.WriteString(s[i:])
			break
		}
		end += start
		sb.WriteString(s[i:start])

		expr := s[start+2 : end]
		name, def, hasDefault := strings.Cut(expr, ":-")
		val, ok := env[name]
		if !ok || val == "" {
			if hasDefault {
				val = def
			} else {
				val = ""
			}
		}
		sb.WriteString(val)
		i = end + 1
	}
	return sb.String()
}
