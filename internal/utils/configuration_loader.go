package utils

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	embeddedConfigurationErrorTemplateConstant = "unable to read embedded configuration: %w"
	configurationFileErrorTemplateConstant     = "unable to read configuration file: %w"
	configurationDecodeErrorTemplateConstant   = "unable to decode configuration: %w"
	environmentKeySeparatorConstant            = "_"
	configurationKeySeparatorConstant          = "."
)

// LoadedConfiguration describes where configuration values came from.
type LoadedConfiguration struct {
	ConfigFileUsed string
}

// ConfigurationLoader layers defaults, embedded configuration, a configuration file and environment variables.
type ConfigurationLoader struct {
	configurationName         string
	configurationType         string
	environmentPrefix         string
	searchPaths               []string
	embeddedConfigurationData []byte
	embeddedConfigurationType string
}

// NewConfigurationLoader constructs a loader searching the provided paths for <name>.<type>.
func NewConfigurationLoader(configurationName string, configurationType string, environmentPrefix string, searchPaths []string) *ConfigurationLoader {
	return &ConfigurationLoader{
		configurationName: configurationName,
		configurationType: configurationType,
		environmentPrefix: environmentPrefix,
		searchPaths:       append([]string{}, searchPaths...),
	}
}

// SetEmbeddedConfiguration registers configuration content shipped with the binary.
func (loader *ConfigurationLoader) SetEmbeddedConfiguration(configurationData []byte, configurationType string) {
	loader.embeddedConfigurationData = append([]byte{}, configurationData...)
	loader.embeddedConfigurationType = configurationType
}

// LoadConfiguration decodes the layered configuration into target.
// Precedence from lowest to highest: defaults, embedded configuration, configuration file, environment.
// An explicit configurationFilePath must exist; a file discovered through search paths is optional.
func (loader *ConfigurationLoader) LoadConfiguration(configurationFilePath string, defaultValues map[string]any, target any) (LoadedConfiguration, error) {
	viperInstance := viper.New()

	for key, value := range defaultValues {
		viperInstance.SetDefault(key, value)
	}

	if len(loader.embeddedConfigurationData) > 0 {
		embeddedType := loader.embeddedConfigurationType
		if len(embeddedType) == 0 {
			embeddedType = loader.configurationType
		}
		viperInstance.SetConfigType(embeddedType)
		if mergeError := viperInstance.MergeConfig(bytes.NewReader(loader.embeddedConfigurationData)); mergeError != nil {
			return LoadedConfiguration{}, fmt.Errorf(embeddedConfigurationErrorTemplateConstant, mergeError)
		}
	}

	trimmedConfigurationFilePath := strings.TrimSpace(configurationFilePath)
	if len(trimmedConfigurationFilePath) > 0 {
		viperInstance.SetConfigFile(trimmedConfigurationFilePath)
	} else {
		viperInstance.SetConfigName(loader.configurationName)
		viperInstance.SetConfigType(loader.configurationType)
		for _, searchPath := range loader.searchPaths {
			if trimmedSearchPath := strings.TrimSpace(searchPath); len(trimmedSearchPath) > 0 {
				viperInstance.AddConfigPath(trimmedSearchPath)
			}
		}
	}

	if len(trimmedConfigurationFilePath) > 0 || len(loader.searchPaths) > 0 {
		if readError := viperInstance.MergeInConfig(); readError != nil {
			var notFoundError viper.ConfigFileNotFoundError
			if len(trimmedConfigurationFilePath) > 0 || !errors.As(readError, &notFoundError) {
				return LoadedConfiguration{}, fmt.Errorf(configurationFileErrorTemplateConstant, readError)
			}
		}
	}

	if len(loader.environmentPrefix) > 0 {
		viperInstance.SetEnvPrefix(loader.environmentPrefix)
	}
	viperInstance.SetEnvKeyReplacer(strings.NewReplacer(configurationKeySeparatorConstant, environmentKeySeparatorConstant))
	viperInstance.AutomaticEnv()

	decoder, decoderError := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           target,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if decoderError != nil {
		return LoadedConfiguration{}, fmt.Errorf(configurationDecodeErrorTemplateConstant, decoderError)
	}
	if decodeError := decoder.Decode(viperInstance.AllSettings()); decodeError != nil {
		return LoadedConfiguration{}, fmt.Errorf(configurationDecodeErrorTemplateConstant, decodeError)
	}

	return LoadedConfiguration{ConfigFileUsed: viperInstance.ConfigFileUsed()}, nil
}
