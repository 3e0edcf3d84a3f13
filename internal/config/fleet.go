package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/example/taskgate/pkg/gateapi"
)

type fleetEntry struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	PredictURL    string   `yaml:"predict_url"`
	HealthURL     string   `yaml:"health_url"`
	MetricsURL    string   `yaml:"metrics_url"`
	APIKey        string   `yaml:"api_key"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	Capabilities  []string `yaml:"capabilities"`
	Groups        []string `yaml:"groups"`
	Priority      int      `yaml:"priority"`
}

type fleetFile struct {
	Servers []fleetEntry `yaml:"servers"`
}

// LoadFleetFile reads an optional YAML file of servers to register at
// startup. A missing path is not an error; a malformed file is.
func LoadFleetFile(path string) ([]gateapi.ServerConfig, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read fleet file: %w", err)
	}
	var f fleetFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse fleet file: %w", err)
	}
	out := make([]gateapi.ServerConfig, 0, len(f.Servers))
	for i, e := range f.Servers {
		if e.PredictURL == "" || e.HealthURL == "" {
			return nil, fmt.Errorf("fleet file entry %d: predict_url and health_url are required", i)
		}
		if e.MaxConcurrent <= 0 {
			e.MaxConcurrent = 1
		}
		out = append(out, gateapi.ServerConfig{
			ID:   e.ID,
			Name: e.Name,
			Endpoints: gateapi.ServerEndpoints{
				Predict: e.PredictURL,
				Health:  e.HealthURL,
				Metrics: e.MetricsURL,
			},
			APIKey:        e.APIKey,
			MaxConcurrent: e.MaxConcurrent,
			Capabilities:  e.Capabilities,
			Groups:        e.Groups,
			Priority:      e.Priority,
		})
	}
	return out, nil
}
