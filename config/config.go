package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/NumminorihSF/rabbitmq-herald-client/rail"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const (
	// Arg key of the config file path, e.g., configFile=/path/to/conf.yml
	ArgConfigFile = "configFile"

	defConfigFile = "conf.yml"
)

var (
	// regex for arg expansion
	resolveArgRegexp = regexp.MustCompile(`\${[a-zA-Z0-9\-_\.]+}`)

	defPropMu sync.Mutex
	defProps  []defProp

	global = NewAppConfig()
)

type defProp struct {
	key    string
	defVal any
}

// Property store backed by viper.
type AppConfig struct {
	vp   *viper.Viper
	rwmu sync.RWMutex
}

// Create new AppConfig, defaults registered with SetDefProp are applied.
func NewAppConfig() *AppConfig {
	a := &AppConfig{vp: viper.New()}
	defPropMu.Lock()
	defer defPropMu.Unlock()
	for _, d := range defProps {
		a.vp.SetDefault(d.key, d.defVal)
	}
	return a
}

// Set value for the prop
func (a *AppConfig) SetProp(prop string, val any) {
	a.rwmu.Lock()
	defer a.rwmu.Unlock()
	a.vp.Set(prop, val)
}

// Set default value for the prop
func (a *AppConfig) SetDefProp(prop string, defVal any) {
	a.rwmu.Lock()
	defer a.rwmu.Unlock()
	a.vp.SetDefault(prop, defVal)
}

// Check whether the prop exists
func (a *AppConfig) HasProp(prop string) bool {
	return returnWithReadLock(a, func() bool { return a.vp.IsSet(prop) })
}

// Get prop as int
func (a *AppConfig) GetPropInt(prop string) int {
	return returnWithReadLock(a, func() int { return a.vp.GetInt(prop) })
}

// Get prop as bool
func (a *AppConfig) GetPropBool(prop string) bool {
	return returnWithReadLock(a, func() bool { return a.vp.GetBool(prop) })
}

// Get prop as string slice
func (a *AppConfig) GetPropStrSlice(prop string) []string {
	return returnWithReadLock(a, func() []string { return a.vp.GetStringSlice(prop) })
}

// Get prop as time.Duration, plain numbers are multiplied by unit.
//
// Values with a unit suffix, e.g., "1s", are parsed as is.
func (a *AppConfig) GetPropDur(prop string, unit time.Duration) time.Duration {
	v := returnWithReadLock(a, func() any { return a.vp.Get(prop) })
	if s, ok := v.(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return time.Duration(cast.ToInt64(v)) * unit
}

/*
Get prop as string

If the value is an argument that can be expanded, the actual value will be resolved if possible.

e.g, for "password" : "${RABBITMQ_PASSWORD}".
*/
func (a *AppConfig) GetPropStr(prop string) string {
	return a.ResolveArg(returnWithReadLock(a, func() string { return a.vp.GetString(prop) }))
}

// Unmarshal configuration from a speicific key.
func (a *AppConfig) UnmarshalFromPropKey(key string, ptr any) error {
	a.rwmu.RLock()
	defer a.rwmu.RUnlock()
	return a.vp.UnmarshalKey(key, ptr)
}

// Overwrite existing conf using environment and cli args.
func (a *AppConfig) OverwriteConf(args []string) {
	a.overwriteConf(ArgKeyVal(os.Environ()))
	a.overwriteConf(ArgKeyVal(args))
}

func (a *AppConfig) overwriteConf(kvs map[string][]string) {
	for k, v := range kvs {
		if len(v) == 1 {
			a.SetProp(k, v[0])
		} else {
			a.SetProp(k, v)
		}
	}
}

/*
Default way to read config.

The file is located with GuessConfigFilePath, a missing file is not an error.
Loaded values are then overriden by environment variables and cli args using `KEY=VALUE` syntax.
*/
func (a *AppConfig) DefaultReadConfig(args []string) error {
	f := GuessConfigFilePath(args)
	if ok, err := fileExists(f); err != nil {
		return err
	} else if ok {
		if err := a.LoadConfigFromFile(f); err != nil {
			return err
		}
	} else {
		rail.Debugf("Config file %v not found", f)
	}
	a.OverwriteConf(args)
	return nil
}

// Load yaml config from io Reader.
//
// It's the caller's responsibility to close the provided reader.
func (a *AppConfig) LoadConfigFromReader(reader io.Reader) error {
	a.rwmu.Lock()
	defer a.rwmu.Unlock()
	a.vp.SetConfigType("yml")
	if err := a.vp.MergeConfig(reader); err != nil {
		return fmt.Errorf("failed to load config from reader: %v", err)
	}
	return nil
}

// Load yaml config from string.
func (a *AppConfig) LoadConfigFromStr(s string) error {
	return a.LoadConfigFromReader(bytes.NewReader([]byte(s)))
}

// Load yaml config from file.
func (a *AppConfig) LoadConfigFromFile(configFile string) error {
	if configFile == "" {
		return nil
	}

	f, err := os.Open(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("unable to find config file: '%s'", configFile)
		}
		return fmt.Errorf("failed to open config file: '%s', %v", configFile, err)
	}
	defer f.Close()

	if err := a.LoadConfigFromReader(f); err != nil {
		return fmt.Errorf("failed to load config file: '%s', %v", configFile, err)
	}
	rail.Infof("Loaded config file: '%v'", configFile)
	return nil
}

// Resolve argument, e.g., for arg like '${someArg}', it looks for 'someArg' in os.Env then in props.
func (a *AppConfig) ResolveArg(arg string) string {
	return resolveArgRegexp.ReplaceAllStringFunc(arg, func(s string) string {
		key := s[2 : len(s)-1]
		val := os.Getenv(key)

		if val == "" {
			val = returnWithReadLock(a, func() string { return a.vp.GetString(key) })
		}

		if val == "" {
			val = s
		}
		return val
	})
}

func returnWithReadLock[T any](a *AppConfig, f func() T) T {
	a.rwmu.RLock()
	defer a.rwmu.RUnlock()
	return f()
}

// Get the global AppConfig.
func Global() *AppConfig {
	return global
}

// Register default value for the prop.
//
// The default is applied to the global AppConfig and every AppConfig created afterwards.
// Packages call it in init().
func SetDefProp(prop string, defVal any) {
	defPropMu.Lock()
	defProps = append(defProps, defProp{key: prop, defVal: defVal})
	defPropMu.Unlock()
	global.SetDefProp(prop, defVal)
}

// Set value for the prop
func SetProp(prop string, val any) {
	global.SetProp(prop, val)
}

// Check whether the prop exists
func HasProp(prop string) bool {
	return global.HasProp(prop)
}

// Get prop as int
func GetPropInt(prop string) int {
	return global.GetPropInt(prop)
}

// Get prop as bool
func GetPropBool(prop string) bool {
	return global.GetPropBool(prop)
}

// Get prop as string
func GetPropStr(prop string) string {
	return global.GetPropStr(prop)
}

// Get prop as time.Duration
func GetPropDur(prop string, unit time.Duration) time.Duration {
	return global.GetPropDur(prop, unit)
}

// Load yaml config from file into the global AppConfig.
func LoadConfigFromFile(configFile string) error {
	return global.LoadConfigFromFile(configFile)
}

// Read config file and overrides into the global AppConfig.
func DefaultReadConfig(args []string) error {
	return global.DefaultReadConfig(args)
}

// Parse CLI args to key-value map
func ArgKeyVal(args []string) map[string][]string {
	m := map[string][]string{}
	for _, s := range args {
		eq := strings.Index(s, "=")
		if eq == -1 {
			continue
		}

		key := strings.TrimSpace(s[:eq])
		val := strings.TrimSpace(s[eq+1:])
		m[key] = append(m[key], val)
	}
	return m
}

// Guess config file path.
//
// It first looks for the arg that matches the pattern "configFile=/path/to/configFile".
// If none is found, it's by default 'conf.yml'.
func GuessConfigFilePath(args []string) string {
	path := ExtractArgValue(args, func(key string) bool { return key == ArgConfigFile })
	if strings.TrimSpace(path) == "" {
		path = defConfigFile
	}
	return path
}

/*
Parse CLI Arg to extract a value from arg, [key]=[value]

e.g.,

	path := ExtractArgValue(args, func(key string) bool { return key == "configFile" }).
*/
func ExtractArgValue(args []string, predicate func(key string) bool) string {
	for _, s := range args {
		if eq := strings.Index(s, "="); eq != -1 {
			if key := s[:eq]; predicate(key) {
				return s[eq+1:]
			}
		}
	}
	return ""
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
