// Package definition loads YAML process definitions, validates their graphs,
// and provides a fast-lookup registry with atomic pointer swap.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/sbpm/model"
)

// Loader scans directories for YAML process definition files, parses them,
// and computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a ProcessModel.
func (l *Loader) LoadAll(directories []string) ([]model.ProcessModel, error) {
	var defs []model.ProcessModel

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile loads and parses a single YAML process definition file.
func (l *Loader) LoadFile(path string) (model.ProcessModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.ProcessModel{}, fmt.Errorf("reading %s: %w", path, err)
	}

	def, err := l.Parse(data)
	if err != nil {
		return model.ProcessModel{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	def.SourceFile = path

	return def, nil
}

// Parse decodes a process definition document. Unknown keys are rejected.
func (l *Loader) Parse(data []byte) (model.ProcessModel, error) {
	var def model.ProcessModel
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return model.ProcessModel{}, err
	}
	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return def, nil
}
