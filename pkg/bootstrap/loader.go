package bootstrap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
)

const logPrefix = "bootstrap:loader"

// LoadBootstrapConfig loads the catalog from the first readable file among
// paths, then BOOTSTRAP_FILE, then the default locations. Without a file the
// built-in catalog is used. Files are merged over the defaults.
func LoadBootstrapConfig(paths ...string) (*BootstrapConfig, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("BOOTSTRAP_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/bootstrap.json", "bootstrap.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var cfg BootstrapConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s - failed to parse bootstrap file %s: %w", logPrefix, p, err)
		}

		slog.Info(fmt.Sprintf("%s - Loaded bootstrap config from %s", logPrefix, p))
		return MergeBootstrapConfigs(GetDefaultBootstrapConfig(), &cfg), nil
	}

	slog.Info(fmt.Sprintf("%s - Using default bootstrap config", logPrefix))
	return GetDefaultBootstrapConfig(), nil
}

// GetDefaultBootstrapConfig returns the built-in catalog.
func GetDefaultBootstrapConfig() *BootstrapConfig {
	return &BootstrapConfig{
		Name:        "fleet-default",
		Version:     "1.0.0",
		Description: "Default capability catalog for fleet agents",
		Capabilities: map[string]BootstrapCapability{
			"radio": {
				Description: "Radio configuration and measurements",
				Functions:   []string{"set_channel", "get_channel", "set_power", "get_power", "get_rssi", "get_noise"},
				Events:      []string{"PacketLossEvent", "SpectralScanEvent"},
				Services:    []string{"SpectralScanService"},
			},
			"net": {
				Description: "Network stack control",
				Functions:   []string{"start_server", "stop_server", "get_iface_ip_addr", "set_arp_entry", "send_packet"},
				Events:      []string{"LinkDownEvent"},
				Services:    []string{"PacketCaptureService"},
			},
			"mgmt": {
				Description: "Agent management",
				Functions:   []string{"add_rule", "delete_rule", "get_node_info"},
			},
		},
		Aliases: map[string]string{
			"network":    "net",
			"management": "mgmt",
		},
	}
}

// CreateCatalog builds a Catalog for fast lookups.
func CreateCatalog(cfg *BootstrapConfig) *Catalog {
	caps := make(map[string]map[string]struct{}, len(cfg.Capabilities))
	for name, cap := range cfg.Capabilities {
		names := make(map[string]struct{}, len(cap.Functions)+len(cap.Events)+len(cap.Services))
		for _, list := range [][]string{cap.Functions, cap.Events, cap.Services} {
			for _, fn := range list {
				names[fn] = struct{}{}
			}
		}
		caps[name] = names
	}

	aliases := make(map[string]string, len(cfg.Aliases))
	for alias, target := range cfg.Aliases {
		aliases[alias] = target
	}

	byNode := make(map[string][]string)
	for group, members := range cfg.Groups {
		for _, nodeName := range members {
			byNode[nodeName] = append(byNode[nodeName], group)
		}
	}
	for _, groups := range byNode {
		sort.Strings(groups)
	}

	return &Catalog{
		name:         cfg.Name,
		version:      cfg.Version,
		capabilities: caps,
		aliases:      aliases,
		groupsByNode: byNode,
	}
}

// MergeBootstrapConfigs merges override into a copy of base. Capabilities
// and groups with the same name are replaced.
func MergeBootstrapConfigs(base, override *BootstrapConfig) *BootstrapConfig {
	merged := *base

	merged.Capabilities = make(map[string]BootstrapCapability, len(base.Capabilities)+len(override.Capabilities))
	for name, cap := range base.Capabilities {
		merged.Capabilities[name] = cap
	}
	for name, cap := range override.Capabilities {
		merged.Capabilities[name] = cap
	}

	merged.Aliases = make(map[string]string, len(base.Aliases)+len(override.Aliases))
	for alias, target := range base.Aliases {
		merged.Aliases[alias] = target
	}
	for alias, target := range override.Aliases {
		merged.Aliases[alias] = target
	}

	merged.Groups = make(map[string][]string, len(base.Groups)+len(override.Groups))
	for g, members := range base.Groups {
		merged.Groups[g] = members
	}
	for g, members := range override.Groups {
		merged.Groups[g] = members
	}

	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Version != "" {
		merged.Version = override.Version
	}
	return &merged
}
