package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tableside/staff-bridge/internal/biz/domain"
)

// RepliesConfig contains canned staff replies loaded from YAML
type RepliesConfig struct {
	Service []string `yaml:"service"`
	Order   []string `yaml:"order"`
	Payment []string `yaml:"payment"`
	Other   []string `yaml:"other"`

	path string
}

// LoadRepliesConfig loads canned replies from a YAML file
func LoadRepliesConfig(configPath string) (*RepliesConfig, error) {
	// Try multiple paths
	paths := []string{configPath}
	if configPath == "" {
		paths = []string{
			"configs/replies.yaml",
			"/etc/staff-bridge/replies.yaml",
		}
		// Add path relative to executable
		if execPath, err := os.Executable(); err == nil {
			paths = append(paths, filepath.Join(filepath.Dir(execPath), "configs", "replies.yaml"))
		}
	}

	var data []byte
	var loadedPath string
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err == nil {
			data, loadedPath = b, p
			break
		}
	}

	if data == nil {
		if configPath != "" {
			return nil, fmt.Errorf("replies file %s not readable", configPath)
		}
		return DefaultRepliesConfig(), nil
	}

	var config RepliesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", loadedPath, err)
	}
	config.path = loadedPath

	// Fill in defaults for empty values
	config.fillDefaults()

	return &config, nil
}

// Path returns the file the replies were loaded from, empty for defaults
func (c *RepliesConfig) Path() string {
	return c.path
}

// fillDefaults fills in default values for empty categories
func (c *RepliesConfig) fillDefaults() {
	defaults := DefaultRepliesConfig()

	c.Service = clean(c.Service)
	c.Order = clean(c.Order)
	c.Payment = clean(c.Payment)
	c.Other = clean(c.Other)

	if len(c.Service) == 0 {
		c.Service = defaults.Service
	}
	if len(c.Order) == 0 {
		c.Order = defaults.Order
	}
	if len(c.Payment) == 0 {
		c.Payment = defaults.Payment
	}
	if len(c.Other) == 0 {
		c.Other = defaults.Other
	}
}

func clean(replies []string) []string {
	out := replies[:0]
	for _, r := range replies {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// ByCategory returns the replies keyed by notification category
func (c *RepliesConfig) ByCategory() map[domain.Category][]string {
	return map[domain.Category][]string{
		domain.CategoryService: c.Service,
		domain.CategoryOrder:   c.Order,
		domain.CategoryPayment: c.Payment,
		domain.CategoryOther:   c.Other,
	}
}

// DefaultRepliesConfig returns the built-in replies
func DefaultRepliesConfig() *RepliesConfig {
	return &RepliesConfig{
		Service: []string{
			"On its way!",
			"Someone will be right with you.",
			"Coming over now.",
		},
		Order: []string{
			"Your order is being prepared.",
			"We'll bring your order out shortly.",
			"Got it, adding that to your order.",
		},
		Payment: []string{
			"We'll bring the bill right over.",
			"A staff member is coming to help with payment.",
		},
		Other: []string{
			"Thanks, we've seen your message.",
			"Someone will be right with you.",
		},
	}
}
