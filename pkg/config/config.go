package config

import (
	"fmt"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".spelunk"
	configFile string = "config.yml"
)

// DefaultCallTimeout is how long an injected introspection call may run
// before it is declared incomplete.
const DefaultCallTimeout = 500 * time.Millisecond

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// CallTimeoutMillis bounds every injected introspection call, in
	// milliseconds. Zero means DefaultCallTimeout.
	CallTimeoutMillis int `yaml:"call-timeout-ms"`

	// RoutineDebug makes the routines installed in the target print
	// their arguments and results to the target's stdout.
	RoutineDebug bool `yaml:"routine-debug"`

	// Log enables logging, limited to the components listed in LogOutput.
	Log bool `yaml:"log"`
	// LogOutput is a comma separated list of components that should
	// produce debug output: fncall, dyntype, sysruntime.
	LogOutput string `yaml:"log-output"`
}

// CallTimeout returns the configured injected-call timeout.
func (c *Config) CallTimeout() time.Duration {
	if c == nil || c.CallTimeoutMillis <= 0 {
		return DefaultCallTimeout
	}
	return time.Duration(c.CallTimeoutMillis) * time.Millisecond
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := os.ReadFile(fullConfigFile)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}

	return &c
}

// SaveConfig will marshal and save the config struct
// to disk.
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

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the spelunk runtime-introspection library.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Timeout, in milliseconds, applied to every function call injected into the
# target process. Calls that exceed it report an incomplete outcome.
# call-timeout-ms: 500

# Make the introspection routines installed in the target print their
# arguments and results to the target process's stdout.
# routine-debug: true

# Enable component logging. log-output is a comma separated list out of:
# fncall, dyntype, sysruntime.
# log: true
# log-output: sysruntime
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
