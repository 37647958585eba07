package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the optional deployment YAML file. It carries the settings a
// relief deployment sets once for every device; environment variables
// override any field set here.
type FileConfig struct {
	BackendBaseURL    string   `yaml:"backend_base_url"`
	EmergencyNumber   string   `yaml:"emergency_number"`
	ProbeURL          string   `yaml:"probe_url"`
	RetrySchedule     string   `yaml:"retry_schedule"`
	AckWait           Duration `yaml:"ack_wait"`
	ReceivedRetention Duration `yaml:"received_retention"`
	GroupPassphrase   string   `yaml:"group_passphrase"`
}

// LoadFileConfig parses the deployment YAML at path.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &fc, nil
}
