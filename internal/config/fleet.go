package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// NodeSpec describes one monitored storage node. Exactly one of LogPath
// and ForwardAddr is set: LogPath tails a local file, ForwardAddr reads
// newline-delimited lines from a remote TCP forwarder.
type NodeSpec struct {
	Name        string `yaml:"name"`
	LogPath     string `yaml:"log_path,omitempty"`
	ForwardAddr string `yaml:"forward_addr,omitempty"`
	APIURL      string `yaml:"api_url,omitempty"`
}

// IsForwarder reports whether the node's lines arrive over TCP.
func (n NodeSpec) IsForwarder() bool {
	return n.ForwardAddr != ""
}

// HasAPI reports whether the node exposes a management API.
func (n NodeSpec) HasAPI() bool {
	return n.APIURL != ""
}

type fleetFile struct {
	Nodes []NodeSpec `yaml:"nodes"`
}

// LoadFleet resolves the monitored node set from NODES_FILE (YAML) or the
// compact NODES string. The file wins when both are set.
func LoadFleet(cfg *EnvConfig) ([]NodeSpec, error) {
	var nodes []NodeSpec
	switch {
	case cfg.NodesFile != "":
		raw, err := os.ReadFile(cfg.NodesFile)
		if err != nil {
			return nil, fmt.Errorf("read nodes file: %w", err)
		}
		var f fleetFile
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("parse nodes file %s: %w", cfg.NodesFile, err)
		}
		nodes = f.Nodes
	case cfg.NodesEnv != "":
		parsed, err := ParseNodesString(cfg.NodesEnv)
		if err != nil {
			return nil, fmt.Errorf("parse NODES: %w", err)
		}
		nodes = parsed
	default:
		return nil, fmt.Errorf("no nodes configured: set NODES_FILE or NODES")
	}

	if err := validateFleet(nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// ParseNodesString parses the compact fleet declaration:
// "name:source[|api_url]" entries joined by commas, where source is a
// filesystem path or a host:port forwarder address.
//
//	NODES="alpha:/var/log/storagenode/node.log|http://127.0.0.1:14002,beta:10.0.0.5:9000"
func ParseNodesString(s string) ([]NodeSpec, error) {
	var nodes []NodeSpec
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		var apiURL string
		if i := strings.IndexByte(entry, '|'); i >= 0 {
			apiURL = strings.TrimSpace(entry[i+1:])
			entry = strings.TrimSpace(entry[:i])
		}
		name, source, ok := strings.Cut(entry, ":")
		if !ok || name == "" || source == "" {
			return nil, fmt.Errorf("entry %q: want name:source", entry)
		}
		spec := NodeSpec{Name: strings.TrimSpace(name), APIURL: apiURL}
		source = strings.TrimSpace(source)
		if isFilePath(source) {
			spec.LogPath = source
		} else {
			spec.ForwardAddr = source
		}
		nodes = append(nodes, spec)
	}
	return nodes, nil
}

func isFilePath(source string) bool {
	return strings.HasPrefix(source, "/") || strings.HasPrefix(source, "./") ||
		strings.HasPrefix(source, "../") || strings.HasPrefix(source, "~")
}

func validateFleet(nodes []NodeSpec) error {
	if len(nodes) == 0 {
		return fmt.Errorf("no nodes configured")
	}
	seen := make(map[string]bool, len(nodes))
	var errs []string
	for _, n := range nodes {
		switch {
		case n.Name == "":
			errs = append(errs, "node with empty name")
			continue
		case strings.ContainsAny(n.Name, ":|,"):
			errs = append(errs, fmt.Sprintf("node %q: name must not contain ':', '|' or ','", n.Name))
		}
		if seen[n.Name] {
			errs = append(errs, fmt.Sprintf("node %q: duplicate name", n.Name))
		}
		seen[n.Name] = true

		switch {
		case n.LogPath == "" && n.ForwardAddr == "":
			errs = append(errs, fmt.Sprintf("node %q: one of log_path or forward_addr is required", n.Name))
		case n.LogPath != "" && n.ForwardAddr != "":
			errs = append(errs, fmt.Sprintf("node %q: log_path and forward_addr are mutually exclusive", n.Name))
		case n.ForwardAddr != "":
			if _, _, err := net.SplitHostPort(n.ForwardAddr); err != nil {
				errs = append(errs, fmt.Sprintf("node %q: invalid forward_addr %q: %v", n.Name, n.ForwardAddr, err))
			}
		}

		if n.APIURL != "" {
			u, err := url.Parse(n.APIURL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				errs = append(errs, fmt.Sprintf("node %q: invalid api_url %q", n.Name, n.APIURL))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("fleet validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}
