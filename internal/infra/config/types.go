package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment pulse reports metrics under.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// StorageMode selects the event store backend.
type StorageMode string

const (
	// StorageMemory keeps batches in process memory.
	StorageMemory StorageMode = "memory"
	// StorageDisk keeps one file per batch.
	StorageDisk StorageMode = "disk"
	// StoragePostgres keeps batches in the event_batches table.
	StoragePostgres StorageMode = "postgres"
)

// UnmarshalYAML accepts the mode names case-insensitively, plus "file" and "pg" aliases.
func (m *StorageMode) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*m = ""
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(node.Value)) {
	case "":
		*m = ""
	case "memory", "mem":
		*m = StorageMemory
	case "disk", "file":
		*m = StorageDisk
	case "postgres", "postgresql", "pg":
		*m = StoragePostgres
	default:
		return fmt.Errorf("storage mode: invalid value %q", node.Value)
	}
	return nil
}
