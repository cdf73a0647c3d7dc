/*
Package cli facilitates building command-line applications that manage a mesh network. It defines
a [Config] type that can be used to register common command-line flags (using the Golang flag
package), environment variable equivalents, and an optional YAML configuration file.

The package uses [keyring]'s platform-agnostic interface for storing the provisioner's private key
in an OS-dependent credential store.

# Examples

	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags()
	flag.Parse()
	config.ReadFromEnvironment() // Fills in missing fields using environment variables
	if err := config.LoadConfigFile(); err != nil {
		panic(err)
	}
	config.LoadCredentials() // Prompt for keyring password if needed

	provisioner, err := config.Connect(ctx)
	if err != nil {
		panic(err)
	}
	defer config.Close()
*/
package cli

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/99designs/keyring"
	"gopkg.in/yaml.v3"

	"github.com/dartworks/mesh-command/internal/authentication"
	"github.com/dartworks/mesh-command/internal/log"
	"github.com/dartworks/mesh-command/internal/mqtt"
	"github.com/dartworks/mesh-command/internal/store"
	"github.com/dartworks/mesh-command/pkg/connector/ble"
	"github.com/dartworks/mesh-command/pkg/mesh"
)

// Environment variable names used by [Config.ReadFromEnvironment] to set common parameters.
const (
	EnvMeshKeyName      = "MESH_KEY_NAME"
	EnvMeshKeyFile      = "MESH_KEY_FILE"
	EnvMeshStoreFile    = "MESH_STORE_FILE"
	EnvMeshConfigFile   = "MESH_CONFIG_FILE"
	EnvMeshAdapterID    = "MESH_BT_ADAPTER"
	EnvMeshMQTTBroker   = "MESH_MQTT_BROKER"
	EnvMeshKeyringType  = "MESH_KEYRING_TYPE"
	EnvMeshKeyringPass  = "MESH_KEYRING_PASSWORD"
	EnvMeshKeyringPath  = "MESH_KEYRING_PATH"
	EnvMeshKeyringDebug = "MESH_KEYRING_DEBUG"
)

// Flag controls what options should be scanned from the command line and/or environment
// variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagPrivateKey Flag = 1 // Enable private key options. Required for provisioning.
	FlagBLE        Flag = 2 // Enable Bluetooth adapter options.
	FlagStore      Flag = 4 // Enable persistent store options.
	FlagMQTT       Flag = 8 // Enable MQTT bridge options.
	FlagAll        Flag = FlagPrivateKey | FlagBLE | FlagStore | FlagMQTT
)

var (
	ErrNoKeySpecified = errors.New("private key location not provided")
	ErrKeyNotFound    = keyring.ErrKeyNotFound
)

// FileConfig mirrors the YAML configuration file layout. File values never override fields
// already populated from the command line or environment.
type FileConfig struct {
	StoreFile string `yaml:"store_file"`
	AdapterID string `yaml:"bt_adapter"`
	KeyName   string `yaml:"key_name"`
	KeyFile   string `yaml:"key_file"`
	MQTT      struct {
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
}

// Config fields determine how a client stores its identity key and connects to the mesh.
type Config struct {
	Flags          Flag   // Controls which set of environment variables/CLI flags to use.
	KeyringKeyName string // Username for private key in system keyring
	KeyFilename    string
	StoreFilename  string
	ConfigFilename string
	AdapterID      string
	MQTT           mqtt.Config
	Backend        keyring.Config
	BackendType    backendType
	Debug          bool // Enable keyring debug messages

	password *string
	skey     authentication.ECDHPrivateKey
	db       *store.Store
	scanner  *ble.Scanner
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags: flags,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword

	return &c, nil
}

func (c *Config) RegisterCommandLineFlags() {
	flag.StringVar(&c.ConfigFilename, "config", "", "YAML configuration `file`. Defaults to $MESH_CONFIG_FILE.")
	if c.Flags.isSet(FlagPrivateKey) {
		flag.StringVar(&c.KeyringKeyName, "key-name", "", "System keyring `name` for private key. Defaults to $MESH_KEY_NAME.")
		flag.StringVar(&c.KeyFilename, "key-file", "", "A `file` containing private key. Defaults to $MESH_KEY_FILE.")
	}
	if c.Flags.isSet(FlagStore) {
		flag.StringVar(&c.StoreFilename, "store", "", "Network state database `file`. Defaults to $MESH_STORE_FILE.")
	}
	if c.Flags.isSet(FlagBLE) {
		flag.StringVar(&c.AdapterID, "bt-adapter", "", "ID of the Bluetooth adapter to use. Defaults to hci0.")
	}
	if c.Flags.isSet(FlagMQTT) {
		flag.StringVar(&c.MQTT.Broker, "mqtt-broker", "", "MQTT broker `URL`, e.g. tcp://localhost:1883. Defaults to $MESH_MQTT_BROKER.")
		flag.StringVar(&c.MQTT.TopicPrefix, "mqtt-prefix", "", "MQTT topic prefix (default \"mesh\")")
	}
	if c.Flags.isSet(FlagPrivateKey) {
		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		flag.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $MESH_KEYRING_TYPE.")
		flag.StringVar(&c.Backend.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
		flag.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() will prevent the environment from overriding
// explicit command-line parameters.
func (c *Config) ReadFromEnvironment() {
	if c.ConfigFilename == "" {
		c.ConfigFilename = os.Getenv(EnvMeshConfigFile)
	}
	if c.Flags.isSet(FlagPrivateKey) {
		if c.KeyringKeyName == "" && c.KeyFilename == "" {
			c.KeyringKeyName = os.Getenv(EnvMeshKeyName)
			log.Debug("Set key name to '%s'", c.KeyringKeyName)

			c.KeyFilename = os.Getenv(EnvMeshKeyFile)
			log.Debug("Set key file to '%s'", c.KeyFilename)
		}
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvMeshKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.password == nil {
			password := os.Getenv(EnvMeshKeyringPass)
			c.password = &password
		}
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = os.Getenv(EnvMeshKeyringPath)
		}
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvMeshKeyringDebug)
		}
	}
	if c.Flags.isSet(FlagStore) && c.StoreFilename == "" {
		c.StoreFilename = os.Getenv(EnvMeshStoreFile)
		log.Debug("Set store file to '%s'", c.StoreFilename)
	}
	if c.Flags.isSet(FlagBLE) && c.AdapterID == "" {
		c.AdapterID = os.Getenv(EnvMeshAdapterID)
	}
	if c.Flags.isSet(FlagMQTT) && c.MQTT.Broker == "" {
		c.MQTT.Broker = os.Getenv(EnvMeshMQTTBroker)
	}
}

// LoadConfigFile merges the YAML configuration file into c. Missing file is not an error unless
// the filename was given explicitly.
func (c *Config) LoadConfigFile() error {
	if c.ConfigFilename == "" {
		return nil
	}
	data, err := os.ReadFile(c.ConfigFilename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug("Configuration file %s not found", c.ConfigFilename)
			return nil
		}
		return err
	}
	var file FileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", c.ConfigFilename, err)
	}
	if c.StoreFilename == "" {
		c.StoreFilename = file.StoreFile
	}
	if c.AdapterID == "" {
		c.AdapterID = file.AdapterID
	}
	if c.KeyringKeyName == "" && c.KeyFilename == "" {
		c.KeyringKeyName = file.KeyName
		c.KeyFilename = file.KeyFile
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = file.MQTT.Broker
		c.MQTT.Username = file.MQTT.Username
		c.MQTT.Password = file.MQTT.Password
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = file.MQTT.TopicPrefix
	}
	return nil
}

// LoadCredentials attempts to open the keyring, prompting for a password if needed. Call this
// method before [Config.Connect] to prevent interactive prompts from counting against timeouts.
func (c *Config) LoadCredentials() error {
	if c.Flags.isSet(FlagPrivateKey) {
		if _, err := c.PrivateKey(); err != nil {
			return err
		}
	}
	return nil
}

// PrivateKey loads the provisioner's private key from the location specified in c.
//
// The private key is cached after it is first loaded, and subsequent calls will always return
// the same private key.
func (c *Config) PrivateKey() (skey authentication.ECDHPrivateKey, err error) {
	if c.skey != nil {
		return c.skey, nil
	}
	if !c.Flags.isSet(FlagPrivateKey) {
		return nil, ErrNoKeySpecified
	}
	if c.KeyFilename == "" && c.KeyringKeyName == "" {
		return nil, ErrNoKeySpecified
	}
	if c.KeyFilename != "" {
		skey, err = authentication.LoadExternalECDHKey(c.KeyFilename)
	}
	if skey == nil && c.KeyringKeyName != "" {
		skey, err = c.LoadKeyFromKeyring()
	}
	c.skey = skey
	return skey, err
}

// GeneratePrivateKey creates a fresh key and saves it to the configured location.
func (c *Config) GeneratePrivateKey() (authentication.ECDHPrivateKey, error) {
	skey, err := authentication.NewECDHPrivateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := c.SavePrivateKey(skey); err != nil {
		return nil, err
	}
	c.skey = skey
	return skey, nil
}

// SavePrivateKey writes skey to the system keyring or file, depending on what options are
// configured. The method prefers the keyring if both options are available.
func (c *Config) SavePrivateKey(skey authentication.ECDHPrivateKey) error {
	if c.KeyringKeyName != "" {
		return c.saveKeyToKeyring(skey)
	}
	if c.KeyFilename != "" {
		return savePrivateKeyFile(skey, c.KeyFilename)
	}
	return ErrNoKeySpecified
}

// Connect assembles a Provisioner from the configured store, Bluetooth adapter, and private key.
// Persisted network state is loaded when present; otherwise a fresh network is created and
// saved.
func (c *Config) Connect(ctx context.Context) (*mesh.Provisioner, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	skey, err := c.PrivateKey()
	if err != nil {
		return nil, err
	}
	log.Debug("Provisioner public key: %02x", skey.PublicBytes())

	var network *mesh.Network
	if c.StoreFilename != "" {
		c.db, err = store.Open(c.StoreFilename)
		if err != nil {
			return nil, err
		}
		state, err := c.db.GetNetworkState()
		switch {
		case err == nil:
			network, err = mesh.NetworkFromState(state)
			if err != nil {
				return nil, err
			}
		case errors.Is(err, store.ErrNotFound):
			network, err = mesh.NewNetwork()
			if err != nil {
				return nil, err
			}
			if err := c.db.SaveNetworkState(network.State()); err != nil {
				return nil, err
			}
			log.Info("Created new mesh network")
		default:
			return nil, err
		}
	} else {
		network, err = mesh.NewNetwork()
		if err != nil {
			return nil, err
		}
		log.Warning("No store configured; network state will not survive restarts")
	}

	c.scanner, err = ble.NewScanner(c.AdapterID)
	if err != nil {
		if ble.IsAdapterError(err) {
			return nil, errors.New(ble.AdapterErrorHelpMessage(err))
		}
		return nil, err
	}

	provisioner := mesh.NewProvisioner(network, c.scanner, skey, c.db)
	if err := provisioner.LoadNodes(); err != nil {
		return nil, err
	}
	return provisioner, nil
}

// ConnectBridge starts the MQTT bridge if a broker is configured. Returns nil without error
// when MQTT is not configured.
func (c *Config) ConnectBridge(provisioner *mesh.Provisioner) (*mqtt.Bridge, error) {
	if !c.Flags.isSet(FlagMQTT) || c.MQTT.Broker == "" {
		return nil, nil
	}
	bridge, err := mqtt.NewBridge(provisioner, c.MQTT)
	if err != nil {
		return nil, err
	}
	bridge.Start()
	return bridge, nil
}

// Close releases resources acquired by Connect.
func (c *Config) Close() {
	if c.scanner != nil {
		if err := c.scanner.Close(); err != nil {
			log.Warning("Failed to close BLE scanner: %s", err)
		}
		c.scanner = nil
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			log.Warning("Failed to close store: %s", err)
		}
		c.db = nil
	}
}
