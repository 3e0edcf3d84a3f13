package api

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/example/taskgate/pkg/gateapi"
)

func validateTaskRequest(req gateapi.TaskRequest) error {
	if strings.TrimSpace(req.Type) == "" {
		return fmt.Errorf("type is required")
	}
	if req.Priority < 0 || req.Priority > 10 {
		return fmt.Errorf("priority must be between 0 and 10")
	}
	return nil
}

func validateServerConfig(cfg gateapi.ServerConfig) error {
	if strings.TrimSpace(cfg.Endpoints.Predict) == "" {
		return fmt.Errorf("endpoints.predict is required")
	}
	if strings.TrimSpace(cfg.Endpoints.Health) == "" {
		return fmt.Errorf("endpoints.health is required")
	}
	for _, raw := range []string{cfg.Endpoints.Predict, cfg.Endpoints.Health} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("endpoint %q is not an absolute URL", raw)
		}
	}
	if cfg.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must be at least 1")
	}
	if cfg.Priority < 0 || cfg.Priority > 10 {
		return fmt.Errorf("priority must be between 0 and 10")
	}
	return nil
}

func validateStatsDate(date string) error {
	if date == "" {
		return nil
	}
	if len(date) != 10 || date[4] != '-' || date[7] != '-' {
		return fmt.Errorf("date must be YYYY-MM-DD")
	}
	for i, c := range date {
		if i == 4 || i == 7 {
			continue
		}
		if c < '0' || c > '9' {
			return fmt.Errorf("date must be YYYY-MM-DD")
		}
	}
	return nil
}
