package handler

import (
	"regexp"
	"strings"

	"github.com/perfectstorm/storm/pkg/types"
)

// publishedPortPattern matches "host:container" publications inside the
// JSON blob a node's engine options may embed.
var publishedPortPattern = regexp.MustCompile(`"(\d+):(\d+)"`)

// publishedPorts extracts the host ports a command requests through
// -p host:container arguments.
func publishedPorts(args []string) []string {
	var ports []string
	for i := 0; i < len(args); i++ {
		if args[i] != "-p" && args[i] != "--publish" {
			continue
		}
		if i+1 >= len(args) {
			break
		}
		spec := args[i+1]
		i++
		if host, _, ok := strings.Cut(spec, ":"); ok {
			ports = append(ports, host)
		}
	}
	return ports
}

// nodePublishedPorts scans the node's engine options blob for host ports
// already in use.
func nodePublishedPorts(node *types.Node) map[string]bool {
	options := node.Options
	if node.Engine != nil && node.Engine.Options != "" {
		options = node.Engine.Options
	}

	ports := make(map[string]bool)
	for _, match := range publishedPortPattern.FindAllStringSubmatch(options, -1) {
		ports[match[1]] = true
	}
	return ports
}

// findNodeWithFreePorts returns the first UP node that publishes none of
// the requested host ports, or nil when every candidate conflicts.
func findNodeWithFreePorts(nodes []*types.Node, hostPorts []string) *types.Node {
	for _, node := range nodes {
		if !node.IsUp() {
			continue
		}
		used := nodePublishedPorts(node)
		conflict := false
		for _, port := range hostPorts {
			if used[port] {
				conflict = true
				break
			}
		}
		if !conflict {
			return node
		}
	}
	return nil
}
