package registry

import (
	"fmt"

	"github.com/openassembly/gov-portal/internal/adapter"
	"github.com/openassembly/gov-portal/internal/domain"
)

// RosterRegistry exposes the portal's seed membership: the voters that
// existed before the governor log began recording grants.
//
//go:generate mockgen -source=roster.go -destination=../mocks/roster_registry.go -package=mocks -mock_names=RosterRegistry=MockRosterRegistry
type RosterRegistry interface {
	// SeedMembers returns the seed roster as address -> display name.
	SeedMembers() map[string]string

	// Lookup returns the display name for an address, if seeded.
	Lookup(addr domain.Address) (string, bool)
}

// RosterData represents the structure of the roster.json file.
// Key format: address -> display name.
type RosterData map[string]string

// rosterRegistry is the internal implementation of RosterRegistry
type rosterRegistry struct {
	members map[domain.Address]string
}

// RosterRegistryLoader loads a roster registry from a file
//
//go:generate mockgen -source=roster.go -destination=../mocks/roster_registry.go -package=mocks -mock_names=RosterRegistryLoader=MockRosterRegistryLoader
type RosterRegistryLoader interface {
	// Load loads the roster registry from a JSON file
	Load(filePath string) (RosterRegistry, error)
}

// rosterRegistryLoader is the internal implementation of RosterRegistryLoader
type rosterRegistryLoader struct {
	fs   adapter.FileSystem
	json adapter.JSON
}

// NewRosterRegistryLoader creates a new RosterRegistryLoader with injected dependencies
func NewRosterRegistryLoader(fs adapter.FileSystem, json adapter.JSON) RosterRegistryLoader {
	return &rosterRegistryLoader{
		fs:   fs,
		json: json,
	}
}

// Load loads the roster registry from a JSON file
func (l *rosterRegistryLoader) Load(filePath string) (RosterRegistry, error) {
	data, err := l.fs.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster file: %w", err)
	}

	var rosterData RosterData
	if err := l.json.Unmarshal(data, &rosterData); err != nil {
		return nil, fmt.Errorf("failed to parse roster JSON: %w", err)
	}

	registry := &rosterRegistry{
		members: make(map[domain.Address]string, len(rosterData)),
	}
	for addr, name := range rosterData {
		registry.members[domain.NormalizeAddress(addr)] = name
	}

	return registry, nil
}

// SeedMembers returns the seed roster as address -> display name
func (r *rosterRegistry) SeedMembers() map[string]string {
	members := make(map[string]string, len(r.members))
	for addr, name := range r.members {
		members[string(addr)] = name
	}
	return members
}

// Lookup returns the display name for an address, if seeded
func (r *rosterRegistry) Lookup(addr domain.Address) (string, bool) {
	name, ok := r.members[domain.NormalizeAddress(string(addr))]
	return name, ok
}
