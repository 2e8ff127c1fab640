package swapconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Document is the parsed view of an emitted proxy configuration. Reading
// the file back is how the supervisor validates its own output and how the
// status surface reports the active model set.
type Document struct {
	HealthCheckTimeout int                   `yaml:"healthCheckTimeout"`
	LogLevel           string                `yaml:"logLevel"`
	Models             map[string]ModelEntry `yaml:"models"`
	Groups             map[string]Group      `yaml:"groups"`
}

type ModelEntry struct {
	Proxy string   `yaml:"proxy"`
	Cmd   string   `yaml:"cmd"`
	Env   []string `yaml:"env,omitempty"`
	TTL   int      `yaml:"ttl,omitempty"`
}

type Group struct {
	Swap       bool     `yaml:"swap"`
	Exclusive  bool     `yaml:"exclusive"`
	Persistent bool     `yaml:"persistent,omitempty"`
	Members    []string `yaml:"members"`
}

// Parse decodes an emitted document.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parsing proxy config: %w", err)
	}
	return doc, nil
}

// Load reads and decodes the document at path.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("reading proxy config: %w", err)
	}
	return Parse(data)
}
