package compose

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stackvault/backupd/internal/apperr"
	"github.com/stackvault/backupd/internal/engine"
)

// Remap is one human-readable remapping record emitted by Rewrite, e.g.
// "web: 5432 -> 5433".
type Remap struct {
	Service string
	From    string
	To      string
}

func (r Remap) String() string {
	return fmt.Sprintf("%s: %s -> %s", r.Service, r.From, r.To)
}

const maxPort = 65534

// Rewrite applies the six ordered, idempotent transforms to a compose
// manifest so it can be deployed on any host without blocking on side
// channels during the restore window. Rewrites are purely syntactic;
// semantic equivalence with the original manifest is not claimed.
func Rewrite(ctx context.Context, manifestText string, cl engine.Client) (string, []Remap, error) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(manifestText), &root); err != nil {
		return "", nil, apperr.Wrap(apperr.ParseError, "parse manifest for rewrite", err)
	}
	if len(root.Content) == 0 {
		return "", nil, apperr.New(apperr.ParseError, "empty manifest")
	}
	doc := root.Content[0]

	var remaps []Remap

	servicesNode := mapValue(doc, "services")
	if servicesNode != nil {
		for i := 0; i+1 < len(servicesNode.Content); i += 2 {
			svcName := servicesNode.Content[i].Value
			svcNode := servicesNode.Content[i+1]

			r, err := rewritePorts(ctx, svcName, svcNode, cl)
			if err != nil {
				return "", nil, apperr.Wrap(apperr.RewriteFailed, "rewrite ports", err)
			}
			remaps = append(remaps, r...)

			deleteKey(svcNode, "container_name")
			rewriteNetworkAddresses(svcNode)
			deleteKey(svcNode, "healthcheck")
			rewriteDependsOnHealthy(svcNode)
			deleteKey(svcNode, "dns")
			deleteKey(svcNode, "dns_search")
		}
	}

	if err := ensureExternalNetworks(ctx, doc, cl); err != nil {
		return "", nil, apperr.Wrap(apperr.RewriteFailed, "ensure external networks", err)
	}

	var sb strings.Builder
	enc := yaml.NewEncoder(&sb)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return "", nil, apperr.Wrap(apperr.RewriteFailed, "encode rewritten manifest", err)
	}
	enc.Close()

	return sb.String(), remaps, nil
}

// rewritePorts probes each "H:C" port mapping and substitutes the first
// free host port starting at H+1 when H is unavailable.
func rewritePorts(ctx context.Context, svcName string, svcNode *yaml.Node, cl engine.Client) ([]Remap, error) {
	ports := mapValue(svcNode, "ports")
	if ports == nil || ports.Kind != yaml.SequenceNode {
		return nil, nil
	}

	var remaps []Remap
	for _, item := range ports.Content {
		if item.Kind != yaml.ScalarNode {
			continue
		}
		host, container, ok := strings.Cut(item.Value, ":")
		if !ok {
			continue
		}
		free, err := portFree(ctx, cl, host)
		if err != nil {
			slog.Warn("port probe fell back to bind-only check", "port", host, "err", err)
		}
		if free {
			continue
		}

		newPort, err := findFreePort(ctx, cl, host)
		if err != nil {
			return remaps, err
		}
		remaps = append(remaps, Remap{Service: svcName, From: host, To: newPort})
		item.Value = newPort + ":" + container
	}
	return remaps, nil
}

func portFree(ctx context.Context, cl engine.Client, port string) (bool, error) {
	ok, err := engine.PortAvailable(ctx, cl, port)
	return ok, err
}

// findFreePort probes H+1, H+2, ... up to 65534 and returns the first free
// port. It never selects 65535.
func findFreePort(ctx context.Context, cl engine.Client, host string) (string, error) {
	n, err := strconv.Atoi(host)
	if err != nil {
		return "", fmt.Errorf("invalid host port %q: %w", host, err)
	}
	for p := n + 1; p <= maxPort; p++ {
		ps := strconv.Itoa(p)
		free, _ := portFree(ctx, cl, ps)
		if free {
			return ps, nil
		}
	}
	return "", fmt.Errorf("no free port found above %s", host)
}

func rewriteNetworkAddresses(svcNode *yaml.Node) {
	networks := mapValue(svcNode, "networks")
	if networks == nil || networks.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(networks.Content); i += 2 {
		net := networks.Content[i+1]
		deleteKey(net, "ipv4_address")
		deleteKey(net, "ipv6_address")
	}
}

func rewriteDependsOnHealthy(svcNode *yaml.Node) {
	dependsOn := mapValue(svcNode, "depends_on")
	if dependsOn == nil || dependsOn.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(dependsOn.Content); i += 2 {
		dep := dependsOn.Content[i+1]
		if cond := mapValue(dep, "condition"); cond != nil && cond.Value == "service_healthy" {
			cond.Value = "service_started"
		}
	}
}

// deleteKey removes key from a YAML mapping node, if present.
func deleteKey(mapping *yaml.Node, key string) {
	if mapping == nil || mapping.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content = append(mapping.Content[:i], mapping.Content[i+2:]...)
			return
		}
	}
}

// ensureExternalNetworks creates a bridge network for every top-level
// network declared external: true|{name}|"name" that doesn't already
// exist on the engine.
func ensureExternalNetworks(ctx context.Context, doc *yaml.Node, cl engine.Client) error {
	networks := mapValue(doc, "networks")
	if networks == nil || networks.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(networks.Content); i += 2 {
		name := networks.Content[i].Value
		def := networks.Content[i+1]
		resolved, isExternal := resolveExternalName(name, def)
		if !isExternal {
			continue
		}
		exists, err := cl.NetworkExists(ctx, resolved)
		if err != nil {
			return fmt.Errorf("check network %s: %w", resolved, err)
		}
		if exists {
			continue
		}
		if _, err := cl.NetworkEnsure(ctx, resolved); err != nil {
			return fmt.Errorf("create network %s: %w", resolved, err)
		}
	}
	return nil
}

func resolveExternalName(declaredName string, def *yaml.Node) (string, bool) {
	if def == nil {
		return declaredName, false
	}
	ext := mapValue(def, "external")
	if ext == nil {
		return declaredName, false
	}
	switch ext.Kind {
	case yaml.ScalarNode:
		if ext.Value == "true" {
			return declaredName, true
		}
		// external: "name" form
		if ext.Value != "" && ext.Value != "false" {
			return ext.Value, true
		}
		return declaredName, false
	case yaml.MappingNode:
		if n := mapValue(ext, "name"); n != nil {
			return n.Value, true
		}
		return declaredName, true
	}
	return declaredName, false
}
