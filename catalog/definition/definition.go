// Package definition parses and validates the YAML file that describes a
// collection upload: the collection to create and the resources inside the
// accompanying archive.
package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"trapper/catalog/schema"
	"trapper/catalog/storage"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

var ErrInvalidDefinition = errors.New("invalid definition file")

const maxDefinitionSize = 1 << 20

type CollectionSpec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Managers    []string `yaml:"managers"`
}

type ResourceSpec struct {
	Name         string     `yaml:"name"`
	File         string     `yaml:"file"`
	Type         string     `yaml:"type"`
	DateRecorded *time.Time `yaml:"date_recorded"`
	Public       bool       `yaml:"public"`
	CsEnabled    bool       `yaml:"cs_enabled"`
}

type Definition struct {
	Collection CollectionSpec `yaml:"collection"`
	Resources  []ResourceSpec `yaml:"resources"`
}

// ValidationError collects every problem found in a definition file.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidDefinition
}

func invalid(problems ...string) error {
	return &ValidationError{Problems: problems}
}

func Parse(r io.Reader) (Definition, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDefinitionSize+1))
	if err != nil {
		return Definition{}, fmt.Errorf("error reading definition file: %w", err)
	}
	if len(data) > maxDefinitionSize {
		return Definition{}, invalid(fmt.Sprintf("file exceeds %d bytes", maxDefinitionSize))
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return Definition{}, invalid("file is empty")
		}
		return Definition{}, invalid(fmt.Sprintf("invalid yaml: %v", err))
	}

	def.Collection.Name = strings.TrimSpace(def.Collection.Name)
	for i := range def.Resources {
		def.Resources[i].Name = strings.TrimSpace(def.Resources[i].Name)
	}

	return def, nil
}

// checkStructure validates everything that does not need the database.
func (d *Definition) checkStructure() []string {
	problems := make([]string, 0)

	if d.Collection.Name == "" {
		problems = append(problems, "collection name is required")
	}
	if len(d.Resources) == 0 {
		problems = append(problems, "at least one resource is required")
	}

	names := make(map[string]bool)
	for i, res := range d.Resources {
		if res.Name == "" {
			problems = append(problems, fmt.Sprintf("resource %d: name is required", i+1))
		} else if names[res.Name] {
			problems = append(problems, fmt.Sprintf("resource '%v': duplicate name", res.Name))
		}
		names[res.Name] = true

		if err := storage.CheckRelativePath(res.File); err != nil {
			problems = append(problems, fmt.Sprintf("resource '%v': invalid file path '%v'", res.Name, res.File))
		}
		if res.Type == "" {
			problems = append(problems, fmt.Sprintf("resource '%v': type is required", res.Name))
		}
	}

	return problems
}

// Validate checks the definition on behalf of the uploading user. A
// *ValidationError is returned for user errors, schema.ErrDbAccessFailed for
// database failures.
func (d *Definition) Validate(ownerId uuid.UUID, db *gorm.DB) error {
	problems := d.checkStructure()

	if d.Collection.Name != "" {
		var count int64
		result := db.Model(&schema.Collection{}).Where("owner_id = ? AND name = ?", ownerId, d.Collection.Name).Count(&count)
		if result.Error != nil {
			slog.Error("sql error checking for existing collection", "owner_id", ownerId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if count > 0 {
			problems = append(problems, fmt.Sprintf("you already own a collection named '%v'", d.Collection.Name))
		}
	}

	if len(d.Collection.Managers) > 0 {
		var found []string
		result := db.Model(&schema.User{}).Where("username IN ?", d.Collection.Managers).Pluck("username", &found)
		if result.Error != nil {
			slog.Error("sql error checking collection managers", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		existing := make(map[string]bool, len(found))
		for _, name := range found {
			existing[name] = true
		}
		for _, name := range d.Collection.Managers {
			if !existing[name] {
				problems = append(problems, fmt.Sprintf("manager '%v' does not exist", name))
			}
		}
	}

	types, err := d.resourceTypes(db)
	if err != nil {
		return err
	}
	reported := make(map[string]bool)
	for _, res := range d.Resources {
		if res.Type != "" && !types[res.Type] && !reported[res.Type] {
			problems = append(problems, fmt.Sprintf("resource type '%v' does not exist", res.Type))
			reported[res.Type] = true
		}
	}

	if len(problems) > 0 {
		return invalid(problems...)
	}
	return nil
}

func (d *Definition) resourceTypes(db *gorm.DB) (map[string]bool, error) {
	var names []string
	result := db.Model(&schema.ResourceType{}).Pluck("name", &names)
	if result.Error != nil {
		slog.Error("sql error listing resource types", "error", result.Error)
		return nil, schema.ErrDbAccessFailed
	}
	types := make(map[string]bool, len(names))
	for _, name := range names {
		types[name] = true
	}
	return types, nil
}

// Load parses and validates a definition file in one step.
func Load(r io.Reader, ownerId uuid.UUID, db *gorm.DB) (Definition, error) {
	def, err := Parse(r)
	if err != nil {
		return Definition{}, err
	}
	if err := def.Validate(ownerId, db); err != nil {
		return Definition{}, err
	}
	return def, nil
}
