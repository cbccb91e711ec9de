package model

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Services []seedService `yaml:"services"`
}

// seedService mirrors Service but with human-friendly duration strings.
type seedService struct {
	Name     string      `yaml:"name"`
	Type     CheckType   `yaml:"type"`
	Target   string      `yaml:"target"`
	Config   CheckConfig `yaml:"config"`
	Interval string      `yaml:"interval"`
	Timeout  string      `yaml:"timeout"`
	Active   *bool       `yaml:"active"`
	Tags     []string    `yaml:"tags"`
}

// LoadSeedFile parses a YAML file of service definitions. Each entry is
// validated and assigned a fresh ID; the store upserts by name at boot.
func LoadSeedFile(path string) ([]*Service, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	services := make([]*Service, 0, len(f.Services))
	for i, raw := range f.Services {
		svc := &Service{
			ID:     uuid.NewString(),
			Name:   raw.Name,
			Type:   raw.Type,
			Target: raw.Target,
			Config: raw.Config,
			Active: true,
			Tags:   raw.Tags,
		}
		if raw.Active != nil {
			svc.Active = *raw.Active
		}
		if raw.Interval != "" {
			d, err := time.ParseDuration(raw.Interval)
			if err != nil {
				return nil, fmt.Errorf("service %d (%s): interval: %w", i, raw.Name, err)
			}
			svc.Interval = d
		}
		if raw.Timeout != "" {
			d, err := time.ParseDuration(raw.Timeout)
			if err != nil {
				return nil, fmt.Errorf("service %d (%s): timeout: %w", i, raw.Name, err)
			}
			svc.Timeout = d
		}
		if err := svc.Validate(); err != nil {
			return nil, fmt.Errorf("service %d (%s): %w", i, raw.Name, err)
		}
		services = append(services, svc)
	}
	return services, nil
}
