package cli_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dartworks/mesh-command/pkg/cli"
)

func TestReadFromEnvironment(t *testing.T) {
	t.Setenv(cli.EnvMeshKeyFile, "/tmp/key.pem")
	t.Setenv(cli.EnvMeshStoreFile, "/tmp/mesh.db")
	t.Setenv(cli.EnvMeshAdapterID, "hci1")
	t.Setenv(cli.EnvMeshMQTTBroker, "tcp://localhost:1883")

	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		t.Fatalf("NewConfig failed: %s", err)
	}
	config.ReadFromEnvironment()

	if config.KeyFilename != "/tmp/key.pem" {
		t.Errorf("Key file is %q", config.KeyFilename)
	}
	if config.StoreFilename != "/tmp/mesh.db" {
		t.Errorf("Store file is %q", config.StoreFilename)
	}
	if config.AdapterID != "hci1" {
		t.Errorf("Adapter ID is %q", config.AdapterID)
	}
	if config.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("MQTT broker is %q", config.MQTT.Broker)
	}
}

func TestEnvironmentDoesNotOverrideExplicitValues(t *testing.T) {
	t.Setenv(cli.EnvMeshStoreFile, "/tmp/from-env.db")

	config, err := cli.NewConfig(cli.FlagStore)
	if err != nil {
		t.Fatalf("NewConfig failed: %s", err)
	}
	config.StoreFilename = "/tmp/from-flag.db"
	config.ReadFromEnvironment()

	if config.StoreFilename != "/tmp/from-flag.db" {
		t.Errorf("Environment overrode explicit store file: %q", config.StoreFilename)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.yml")
	contents := []byte("store_file: /var/lib/mesh.db\n" +
		"bt_adapter: hci2\n" +
		"key_file: /etc/mesh/key.pem\n" +
		"mqtt:\n" +
		"  broker: tcp://broker:1883\n" +
		"  topic_prefix: home\n")
	if err := os.WriteFile(path, contents, 0644); err != nil {
		t.Fatal(err)
	}

	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		t.Fatalf("NewConfig failed: %s", err)
	}
	config.ConfigFilename = path
	config.AdapterID = "hci0" // explicit value wins over the file

	if err := config.LoadConfigFile(); err != nil {
		t.Fatalf("LoadConfigFile failed: %s", err)
	}
	if config.StoreFilename != "/var/lib/mesh.db" {
		t.Errorf("Store file is %q", config.StoreFilename)
	}
	if config.AdapterID != "hci0" {
		t.Errorf("File overrode explicit adapter: %q", config.AdapterID)
	}
	if config.KeyFilename != "/etc/mesh/key.pem" {
		t.Errorf("Key file is %q", config.KeyFilename)
	}
	if config.MQTT.Broker != "tcp://broker:1883" || config.MQTT.TopicPrefix != "home" {
		t.Errorf("MQTT settings are %+v", config.MQTT)
	}
}

func TestLoadConfigFileToleratesMissingFile(t *testing.T) {
	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		t.Fatalf("NewConfig failed: %s", err)
	}
	config.ConfigFilename = filepath.Join(t.TempDir(), "does-not-exist.yml")
	if err := config.LoadConfigFile(); err != nil {
		t.Errorf("Missing config file treated as error: %s", err)
	}
}

func TestLoadConfigFileRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.yml")
	if err := os.WriteFile(path, []byte("store_file: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		t.Fatalf("NewConfig failed: %s", err)
	}
	config.ConfigFilename = path
	if err := config.LoadConfigFile(); err == nil {
		t.Error("Malformed YAML accepted")
	}
}

func TestPrivateKeyFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.pem")

	config, err := cli.NewConfig(cli.FlagPrivateKey)
	if err != nil {
		t.Fatalf("NewConfig failed: %s", err)
	}
	config.KeyFilename = path
	generated, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %s", err)
	}

	loader, err := cli.NewConfig(cli.FlagPrivateKey)
	if err != nil {
		t.Fatalf("NewConfig failed: %s", err)
	}
	loader.KeyFilename = path
	loaded, err := loader.PrivateKey()
	if err != nil {
		t.Fatalf("PrivateKey failed: %s", err)
	}
	if !bytes.Equal(loaded.PublicBytes(), generated.PublicBytes()) {
		t.Error("Loaded key has a different public key")
	}
}

func TestPrivateKeyRequiresLocation(t *testing.T) {
	config, err := cli.NewConfig(cli.FlagPrivateKey)
	if err != nil {
		t.Fatalf("NewConfig failed: %s", err)
	}
	if _, err := config.PrivateKey(); !errors.Is(err, cli.ErrNoKeySpecified) {
		t.Errorf("PrivateKey returned %v, expected ErrNoKeySpecified", err)
	}
}
