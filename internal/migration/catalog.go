package migration

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/cupnote/cupsync/internal/model"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var builtinCatalog []byte

type catalogFile struct {
	Migrations []model.MigrationInfo `yaml:"migrations"`
}

// DefaultCatalog returns the embedded CupNote catalog
func DefaultCatalog() ([]model.MigrationInfo, error) {
	return ParseCatalog(builtinCatalog)
}

// LoadCatalog reads a catalog file, or the embedded catalog when path is empty
func LoadCatalog(path string) ([]model.MigrationInfo, error) {
	if path == "" {
		return DefaultCatalog()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML migration catalog
func ParseCatalog(data []byte) ([]model.MigrationInfo, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse migration catalog: %w", err)
	}
	if len(file.Migrations) == 0 {
		return nil, fmt.Errorf("migration catalog is empty")
	}
	return file.Migrations, nil
}
