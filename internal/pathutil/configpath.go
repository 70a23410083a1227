// Package pathutil locates and writes CFP node configuration files.
package pathutil

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
)

var log = logging.MustGetLogger("pathutil")

// ConfigFileName is the default node config file name.
const ConfigFileName = "cfp-config.json"

// ConfigEnv is the environment variable naming an explicit config path.
const ConfigEnv = "CFP_CONFIG"

// ConfigLocationType describes a config path's location type.
type ConfigLocationType string

const (
	// WorkingDirLoc represents the working directory location for a configuration file.
	WorkingDirLoc = ConfigLocationType("WD")

	// HomeLoc represents the home folder location for a configuration file.
	HomeLoc = ConfigLocationType("HOME")

	// LocalLoc represents the /usr/local location for a configuration file.
	LocalLoc = ConfigLocationType("LOCAL")
)

// ErrConfigNotFound is returned when no default config path exists.
var ErrConfigNotFound = errors.New("config not found in any default path")

// String implements fmt.Stringer for ConfigLocationType.
func (t ConfigLocationType) String() string {
	return string(t)
}

// Set implements pflag.Value for ConfigLocationType.
func (t *ConfigLocationType) Set(s string) error {
	for _, valid := range AllConfigLocationTypes() {
		if ConfigLocationType(s) == valid {
			*t = valid
			return nil
		}
	}
	return errors.Errorf("invalid config location %q, valid: %v", s, AllConfigLocationTypes())
}

// Type implements pflag.Value for ConfigLocationType.
func (t ConfigLocationType) Type() string {
	return "pathutil.ConfigLocationType"
}

// AllConfigLocationTypes returns all valid config location types in lookup order.
func AllConfigLocationTypes() []ConfigLocationType {
	return []ConfigLocationType{
		WorkingDirLoc,
		HomeLoc,
		LocalLoc,
	}
}

// ConfigPaths maps location types to config paths.
type ConfigPaths map[ConfigLocationType]string

// String implements fmt.Stringer for ConfigPaths.
func (dp ConfigPaths) String() string {
	raw, err := json.MarshalIndent(dp, "", "\t")
	if err != nil {
		return err.Error()
	}
	return string(raw)
}

// Get obtains the path stored under cpType.
func (dp ConfigPaths) Get(cpType ConfigLocationType) (string, error) {
	if path, ok := dp[cpType]; ok {
		return path, nil
	}
	return "", errors.Errorf("no default path for config location %q", cpType)
}

// CFPDefaults returns the default config paths for cfp-node.
func CFPDefaults() ConfigPaths {
	paths := make(ConfigPaths)
	if wd, err := os.Getwd(); err == nil {
		paths[WorkingDirLoc] = filepath.Join(wd, ConfigFileName)
	}
	if home, err := HomeDir(); err == nil {
		paths[HomeLoc] = filepath.Join(home, ".cfp", ConfigFileName)
	}
	paths[LocalLoc] = filepath.Join("/usr/local/cfp", ConfigFileName)
	return paths
}

// FindConfigPath finds a config file path in the following order:
// - From CLI argument.
// - From ENV.
// - From the first existing default path.
// If argsIndex < 0, searching from CLI arguments does not take place.
func FindConfigPath(args []string, argsIndex int, env string, defaults ConfigPaths) (string, error) {
	if argsIndex >= 0 && len(args) > argsIndex {
		path := args[argsIndex]
		log.Infof("using args[%d] as config path: %s", argsIndex, path)
		return path, nil
	}
	if env != "" {
		if path, ok := os.LookupEnv(env); ok {
			log.Infof("using $%s as config path: %s", env, path)
			return path, nil
		}
	}
	log.Debug("config path is not explicitly specified, trying default paths...")
	for i, cpType := range AllConfigLocationTypes() {
		path, ok := defaults[cpType]
		if !ok {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			log.Debugf("- [%d/%d] '%s' cannot be accessed: %s", i+1, len(defaults), path, err)
			continue
		}
		log.Infof("using fallback config path: %s", path)
		return path, nil
	}
	return "", errors.Wrap(ErrConfigNotFound, defaults.String())
}

// WriteJSONConfig writes conf as indented JSON to output, creating
// parent directories. An existing file is only replaced if replace is set.
func WriteJSONConfig(conf interface{}, output string, replace bool) error {
	raw, err := json.MarshalIndent(conf, "", "\t")
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	if _, err := os.Stat(output); !replace && err == nil {
		return errors.Errorf("file %s already exists, stopping as 'replace,r' flag is not set", output)
	}
	if _, err := EnsureDir(filepath.Dir(output)); err != nil {
		return err
	}
	if err := AtomicWriteFile(output, raw); err != nil {
		return errors.Wrap(err, "failed to write file")
	}
	log.Infof("Wrote %d bytes to %s", len(raw), output)
	return nil
}
