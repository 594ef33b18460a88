// Package bootstrap provides the controller's capability catalog and static
// group memberships.
package bootstrap

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnknownCapability = errors.New("unknown capability")
	ErrUnknownFunction   = errors.New("unknown function")
)

// BootstrapCapability lists the callable names of one capability domain.
// Events and services are also callable; they take "start" or "stop".
type BootstrapCapability struct {
	Description string   `json:"description,omitempty"`
	Functions   []string `json:"functions"`
	Events      []string `json:"events,omitempty"`
	Services    []string `json:"services,omitempty"`
}

// BootstrapConfig is the root bootstrap configuration.
type BootstrapConfig struct {
	Name         string                         `json:"name"`
	Version      string                         `json:"version"`
	Description  string                         `json:"description,omitempty"`
	Capabilities map[string]BootstrapCapability `json:"capabilities"`
	Aliases      map[string]string              `json:"aliases"`
	// Groups maps a group name to the node names that join it on discovery.
	Groups map[string][]string `json:"groups,omitempty"`
}

// Catalog provides fast lookup over a BootstrapConfig.
type Catalog struct {
	name         string
	version      string
	capabilities map[string]map[string]struct{}
	aliases      map[string]string
	groupsByNode map[string][]string
}

// Validate checks that function is callable on capability. Aliases resolve.
func (c *Catalog) Validate(capability, function string) error {
	names, ok := c.capabilities[c.ResolveAlias(capability)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCapability, capability)
	}
	if _, ok := names[function]; !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownFunction, capability, function)
	}
	return nil
}

// ResolveAlias resolves an alias to the capability name.
func (c *Catalog) ResolveAlias(alias string) string {
	if resolved, ok := c.aliases[alias]; ok {
		return resolved
	}
	return alias
}

// Capabilities returns the sorted capability names.
func (c *Catalog) Capabilities() []string {
	out := make([]string, 0, len(c.capabilities))
	for name := range c.capabilities {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// GroupsForNode returns the groups a node with the given name joins.
func (c *Catalog) GroupsForNode(nodeName string) []string {
	return c.groupsByNode[nodeName]
}

func (c *Catalog) Name() string    { return c.name }
func (c *Catalog) Version() string { return c.version }
