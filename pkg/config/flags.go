package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var configFilePath = flag.String("config_file", "config.yaml", "Path to the configuration file.")

// skippedConfigFlags is the list of command line flags on which the config file check is disabled.
var skippedConfigFlags = []string{"print_version", "config_file"}

var durationType = reflect.TypeOf(time.Duration(0))

// InitFlags initializes the flags from the config file specified by the -config_file flag.
// It should be called after defining all flags and before using them.
func InitFlags() {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return
	}

	// Read config file.
	configBytes, err := os.ReadFile(*configFilePath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath, "error", err)
		return
	}
	if err != nil { // If the config file cannot be read, we skip loading and use default flag values.
		slog.Error("Failed to read config file.", "error", err)
		return
	}

	// Apply configurations.
	conf, err := parseConfig(configBytes)
	if err != nil {
		slog.Error("Failed to parse config file.", "error", err)
		return
	}
	if err := setConfigFlags(conf); err != nil {
		slog.Error("Failed to set flags from config file.", "error", err)
		return
	}
}

// parseConfig decodes a YAML config, rejecting unknown fields.
func parseConfig(configBytes []byte) (*Config, error) {
	conf := new(Config)
	decoder := yaml.NewDecoder(bytes.NewReader(configBytes))
	decoder.KnownFields(true)
	if err := decoder.Decode(conf); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return conf, nil
}

// valueToString converts a config leaf to its string representation suitable for flag setting.
func valueToString(v reflect.Value) (string, error) {
	if v.Type() == durationType {
		return time.Duration(v.Int()).String(), nil
	}
	switch v.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(v.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10), nil
	case reflect.Float32:
		return strconv.FormatFloat(v.Float(), 'g', -1, 32), nil
	case reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64), nil
	case reflect.String:
		return v.String(), nil
	default:
		return "", fmt.Errorf("unsupported kind: %v", v.Kind())
	}
}

// collectFlags collects all set flags with their values from the given config section.
// Each leaf field can have a flag annotation attached to it that specifies its command line flag name.
func collectFlags(flags map[ /*flagName*/ string] /*flagValue*/ string, section reflect.Value) error {
	sectionType := section.Type()
	for fieldIdx := range sectionType.NumField() {
		field, value := sectionType.Field(fieldIdx), section.Field(fieldIdx)
		flagName, hasFlagName := field.Tag.Lookup("flag")
		// Recurse into nested sections that do not carry a flag name themselves.
		if !hasFlagName {
			if field.Type.Kind() == reflect.Struct {
				if err := collectFlags(flags, value); err != nil {
					return err
				}
			}
			continue
		}
		if value.Kind() != reflect.Pointer {
			return fmt.Errorf("config field %s.%s must be a pointer", sectionType.Name(), field.Name)
		}
		if value.IsNil() { // Not set in the file.
			continue
		}
		stringValue, err := valueToString(value.Elem())
		if err != nil {
			return fmt.Errorf("failed to convert %s.%s: %w", sectionType.Name(), field.Name, err)
		}
		// Check for duplicate flag entries.
		if _, alreadyExists := flags[flagName]; alreadyExists {
			return fmt.Errorf("flag '%s' has multiple entries in config: '%s.%s'",
				flagName, sectionType.Name(), field.Name)
		}
		flags[flagName] = stringValue
	}
	return nil
}

// setConfigFlags sets all the filled flags in the given `conf` to the global flag variables.
func setConfigFlags(conf *Config) error {
	collectedFlags := make(map[ /*flagName*/ string] /*flagValue*/ string)
	if err := collectFlags(collectedFlags, reflect.ValueOf(conf).Elem()); err != nil {
		return fmt.Errorf("failed to collect flags: %w", err)
	}
	for flagName, flagValue := range collectedFlags {
		if setErr := flag.Set(flagName, flagValue); setErr != nil {
			return fmt.Errorf("failed to set flag %s: %w", flagName, setErr)
		}
	}
	return nil
}

// getDefinedFlags returns the set of flags named by the given config section type.
func getDefinedFlags(sectionType reflect.Type) (map[ /*flagName*/ string]struct{}, error) {
	flagSet := make(map[ /*flagName*/ string]struct{})
	var walkFields func(sectionType reflect.Type) error
	walkFields = func(sectionType reflect.Type) error {
		for fieldIdx := range sectionType.NumField() {
			field := sectionType.Field(fieldIdx)
			if flagName, ok := field.Tag.Lookup("flag"); ok && flagName != "" {
				if _, exists := flagSet[flagName]; exists {
					return fmt.Errorf("duplicate flag name '%s' in config: %s.%s",
						flagName, sectionType.Name(), field.Name)
				}
				flagSet[flagName] = struct{}{}
				continue
			}
			if field.Type.Kind() == reflect.Struct {
				if err := walkFields(field.Type); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walkFields(sectionType); err != nil {
		return nil, err
	}
	return flagSet, nil
}

// CollectUnregisteredFlags collects all flags that haven't been registered in the config file layout.
// An error exists in the results corresponding to each unregistered flag.
func CollectUnregisteredFlags() []error {
	definedFlags, err := getDefinedFlags(reflect.TypeOf(Config{}))
	if err != nil {
		return []error{err}
	}
	errs := make([]error, 0)
	flag.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") { // Skip test flags.
			return
		}
		if slices.Contains(skippedConfigFlags, f.Name) {
			return
		}
		if _, flagHasConfigEntry := definedFlags[f.Name]; !flagHasConfigEntry {
			errs = append(errs, fmt.Errorf("flag '%s' has not been defined in config", f.Name))
		}
	})
	return errs
}
