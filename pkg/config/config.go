// Package config loads and saves the crashkit configuration file.
package config

import (
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".crashkit"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// ShowUnloaded makes the list command include images that have been
	// unloaded since registration.
	ShowUnloaded bool `yaml:"show-unloaded"`

	// MaxPrintedStringLen truncates crash annotation strings in command
	// output. Zero means no truncation.
	MaxPrintedStringLen *int `yaml:"max-printed-string-len,omitempty"`

	// LogOutput is the default value of the --log-output flag.
	LogOutput string `yaml:"log-output"`
	// LogDest is the default value of the --log-dest flag.
	LogDest string `yaml:"log-dest"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	hasFile := false
	if _, err := os.Stat(fullConfigFile); err == nil {
		hasFile = true
	}

	if !hasFile {
		if err := writeDefaultConfig(fullConfigFile); err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}

	data, err := os.ReadFile(fullConfigFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}

	return &c, nil
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func writeDefaultConfig(path string) error {
	return os.WriteFile(path, []byte(
		`# Configuration file for crashkit.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Uncomment to include unloaded images in the list command output.
# show-unloaded: true

# Maximum crash annotation string length printed by commands.
# max-printed-string-len: 256

# Default components for the --log-output flag.
# log-output: imagelist,machfile

# Default destination for the --log-dest flag.
# log-dest: /tmp/crashkit.log
`), 0o644)
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0o700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("XDG_CONFIG_HOME"); configPath != "" {
		return path.Join(configPath, configDir, file), nil
	}
	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	return path.Join(userHomeDir, configDir, file), nil
}
