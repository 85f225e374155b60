package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Declaration is a plugin schema file: the plugin name plus its tables.
type Declaration struct {
	Plugin       string `json:"plugin" yaml:"plugin"`
	PluginSchema `yaml:",inline"`
}

// LoadFile reads a YAML or JSON declaration. When the file omits the plugin
// name the file name without extension is used.
func LoadFile(path string) (*Declaration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file %s: %w", path, err)
	}

	var decl Declaration
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &decl)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &decl)
	default:
		return nil, fmt.Errorf("unsupported schema file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse schema file %s: %w", path, err)
	}

	if decl.Plugin == "" {
		decl.Plugin = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if decl.Tables == nil {
		decl.Tables = map[string]Table{}
	}
	return &decl, nil
}

// LoadDir loads every *.yaml, *.yml and *.json file in dir, sorted by file name.
func LoadDir(dir string) ([]*Declaration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	decls := make([]*Declaration, 0, len(files))
	for _, f := range files {
		decl, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		decls = append(decls, decl)
	}
	return decls, nil
}
