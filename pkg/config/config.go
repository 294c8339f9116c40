// Package config provides configuration loading and management for fixelcfe.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`

		// NumPermutations is the number of permutations for the statistical test
		NumPermutations int `yaml:"numPermutations"`

		// SmoothFWHM is the full width at half maximum of the smoothing kernel in mm
		SmoothFWHM float64 `yaml:"smoothFwhm"`

		// AngularThreshold is the maximum streamline-to-fixel angle in degrees
		AngularThreshold float64 `yaml:"angularThreshold"`

		// ConnectivityThreshold prunes weak fixel-fixel connections
		ConnectivityThreshold float64 `yaml:"connectivityThreshold"`
	} `yaml:"processing"`

	// Enhancement parameters
	Enhancement struct {
		// DH is the height increment of the enhancement integration
		DH float64 `yaml:"dh"`

		// E is the extent exponent
		E float64 `yaml:"e"`

		// H is the height exponent
		H float64 `yaml:"h"`

		// C is the connectivity exponent applied to edge fractions
		C float64 `yaml:"c"`
	} `yaml:"enhancement"`

	// Nonstationarity parameters
	Nonstationarity struct {
		// Enabled turns on the empirical non-stationarity adjustment
		Enabled bool `yaml:"enabled"`

		// NumPermutations is the number of pre-pass permutations
		NumPermutations int `yaml:"numPermutations"`
	} `yaml:"nonstationarity"`

	// Output parameters
	Output struct {
		// SavePermutations determines whether to save the generated permutations
		SavePermutations bool `yaml:"savePermutations"`

		// Verbose is read from and written to the configuration file; the
		// pipeline does not consult it, and its output is the same either way
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.NumPermutations = 5000
	cfg.Processing.SmoothFWHM = 10.0
	cfg.Processing.AngularThreshold = 45.0
	cfg.Processing.ConnectivityThreshold = 0.01

	// Set default enhancement parameters
	cfg.Enhancement.DH = 0.1
	cfg.Enhancement.E = 2.0
	cfg.Enhancement.H = 3.0
	cfg.Enhancement.C = 0.5

	// Set default nonstationarity parameters
	cfg.Nonstationarity.Enabled = false
	cfg.Nonstationarity.NumPermutations = 5000

	// Set default output parameters
	cfg.Output.SavePermutations = false
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
