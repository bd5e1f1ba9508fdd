// Package config with the YAML servient configuration and its file watcher
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultConfigName with the configuration file name of the servient
const DefaultConfigName = "servient.yaml"

// Default ports of the north-bound bindings and the catalogue
const (
	DefaultCataloguePort = 9090
	DefaultHttpPort      = 8080
	DefaultCoapPort      = 5683
	DefaultWsPort        = 9191
	DefaultMqttBroker    = "tcp://localhost:1883"
)

// Binding mode letters for the Modes shorthand
const (
	ModeHttp       = "H"
	ModeCoap       = "U"
	ModeMqtt       = "M"
	ModeWebsockets = "W"
)

// BindingConfig configures one north-bound protocol binding
type BindingConfig struct {
	// Enabled starts the binding server and registers its client
	Enabled bool `yaml:"enabled"`
	// Port the binding server listens on. Unused by MQTT.
	Port int `yaml:"port,omitempty"`
	// FormPort written into generated form hrefs, 0 to use Port
	FormPort int `yaml:"formPort,omitempty"`
	// Broker URL, MQTT only, eg tcp://host:1883
	Broker string `yaml:"broker,omitempty"`
}

// TLSFilesConfig with the certificate material of the servient
type TLSFilesConfig struct {
	// CaCertFile with the CA that binding clients trust
	CaCertFile string `yaml:"caCertFile,omitempty"`
	// ServerCertFile and ServerKeyFile enable TLS on the binding servers
	ServerCertFile string `yaml:"serverCertFile,omitempty"`
	ServerKeyFile  string `yaml:"serverKeyFile,omitempty"`
}

// DatabaseConfig with the property persistence block
type DatabaseConfig struct {
	Enabled bool `yaml:"enabled"`
	// Type of store. "memory" is the only built-in; anything else is NOP.
	Type string `yaml:"type,omitempty"`
}

// RemoteThingConfig describes a remote Thing this servient consumes
type RemoteThingConfig struct {
	// Title of the remote Thing, the credential store key
	Title string `yaml:"title"`
	// TDFile with a local copy of the remote TD document
	TDFile string `yaml:"tdFile,omitempty"`
	// TDURL where the TD can be fetched, eg a remote catalogue entry
	TDURL string `yaml:"tdUrl,omitempty"`
}

// ServientConfig is the configuration of one servient process.
//
// Environment variables referenced as ${NAME} in the file are expanded
// before parsing, so secrets stay out of the file itself:
//
//  credentials:
//    remote sensor:
//      username: user1
//      password: ${SENSOR_PASSWORD}
type ServientConfig struct {
	// Name of the servient, also the MQTT topic prefix
	Name string `yaml:"name"`
	// Hostname written into generated form hrefs
	Hostname string `yaml:"hostname,omitempty"`
	// CataloguePort of the TD catalogue, 0 disables the catalogue
	CataloguePort int `yaml:"cataloguePort,omitempty"`
	// Announce the catalogue on the local network with DNS-SD
	Announce bool `yaml:"announce,omitempty"`

	// Loglevel is one of error, warning, info, debug
	Loglevel string `yaml:"logLevel,omitempty"`
	LogFile  string `yaml:"logFile,omitempty"`

	// Modes is a shorthand enabling bindings by letter: H http, U coap,
	// M mqtt, W websockets. When set it overrides the Enabled flags.
	Modes string `yaml:"modes,omitempty"`

	Http       BindingConfig `yaml:"http"`
	Coap       BindingConfig `yaml:"coap"`
	Mqtt       BindingConfig `yaml:"mqtt"`
	Websockets BindingConfig `yaml:"websockets"`

	TLS TLSFilesConfig `yaml:"tls,omitempty"`

	// Credentials per Thing title, merged into the credential store
	Credentials map[string]map[string]string `yaml:"credentials,omitempty"`

	// RemoteThings to consume at startup
	RemoteThings []RemoteThingConfig `yaml:"remoteThings,omitempty"`

	Database DatabaseConfig `yaml:"database,omitempty"`
}

// CreateServientConfig creates a configuration with default values: an HTTP
// binding with the catalogue, everything else disabled.
func CreateServientConfig(name string) *ServientConfig {
	return &ServientConfig{
		Name:          name,
		Hostname:      "localhost",
		CataloguePort: DefaultCataloguePort,
		Loglevel:      "warning",
		Http:          BindingConfig{Enabled: true, Port: DefaultHttpPort},
		Coap:          BindingConfig{Port: DefaultCoapPort},
		Mqtt:          BindingConfig{Broker: DefaultMqttBroker},
		Websockets:    BindingConfig{Port: DefaultWsPort},
	}
}

// Load reads the configuration file over the current values and validates
// the result. ${NAME} references are expanded from the environment.
func (config *ServientConfig) Load(configFile string) error {
	logrus.Infof("Loading servient config from %s", configFile)
	raw, err := os.ReadFile(configFile)
	if err != nil {
		return err
	}
	expanded := os.ExpandEnv(string(raw))
	if err = yaml.Unmarshal([]byte(expanded), config); err != nil {
		return fmt.Errorf("config file '%s' is not valid YAML: %w", configFile, err)
	}
	config.applyModes()
	return config.Validate()
}

// applyModes translates the Modes shorthand into the Enabled flags
func (config *ServientConfig) applyModes() {
	if config.Modes == "" {
		return
	}
	modes := strings.ToUpper(config.Modes)
	config.Http.Enabled = strings.Contains(modes, ModeHttp)
	config.Coap.Enabled = strings.Contains(modes, ModeCoap)
	config.Mqtt.Enabled = strings.Contains(modes, ModeMqtt)
	config.Websockets.Enabled = strings.Contains(modes, ModeWebsockets)
}

// Validate checks the configuration for missing or conflicting values
func (config *ServientConfig) Validate() error {
	if config.Name == "" {
		return fmt.Errorf("servient config is missing a name")
	}
	if config.Hostname == "" {
		config.Hostname = "localhost"
	}
	if config.Http.Enabled && config.Http.Port == 0 {
		config.Http.Port = DefaultHttpPort
	}
	if config.Coap.Enabled && config.Coap.Port == 0 {
		config.Coap.Port = DefaultCoapPort
	}
	if config.Websockets.Enabled && config.Websockets.Port == 0 {
		config.Websockets.Port = DefaultWsPort
	}
	if config.Mqtt.Enabled && config.Mqtt.Broker == "" {
		return fmt.Errorf("the mqtt binding is enabled without a broker URL")
	}
	if (config.TLS.ServerCertFile == "") != (config.TLS.ServerKeyFile == "") {
		return fmt.Errorf("serverCertFile and serverKeyFile must be set together")
	}
	for _, remote := range config.RemoteThings {
		if remote.Title == "" {
			return fmt.Errorf("a remote thing entry is missing its title")
		}
		if remote.TDFile == "" && remote.TDURL == "" {
			return fmt.Errorf("remote thing '%s' has neither tdFile nor tdUrl", remote.Title)
		}
	}
	return nil
}
