package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/dartworks/mesh-command/internal/log"
	"github.com/dartworks/mesh-command/pkg/cli"
	"github.com/dartworks/mesh-command/pkg/proxy"
)

const defaultPort = 8080

const (
	EnvTLSCert       = "MESH_HTTP_PROXY_TLS_CERT"
	EnvTLSKey        = "MESH_HTTP_PROXY_TLS_KEY"
	EnvHost          = "MESH_HTTP_PROXY_HOST"
	EnvPort          = "MESH_HTTP_PROXY_PORT"
	EnvTimeout       = "MESH_HTTP_PROXY_TIMEOUT"
	EnvJWTSecretFile = "MESH_HTTP_PROXY_JWT_SECRET_FILE"
	EnvVerbose       = "MESH_VERBOSE"
)

const nonLocalhostWarning = `
Do not listen on a network interface without configuring client authentication (-jwt-secret-file).
Unauthorized clients may provision devices onto your network or control your nodes.`

type httpProxyConfig struct {
	keyFilename   string
	certFilename  string
	jwtSecretFile string
	verbose       bool
	host          string
	port          int
	timeout       time.Duration
}

var httpConfig = &httpProxyConfig{}

func init() {
	flag.StringVar(&httpConfig.certFilename, "cert", "", "TLS certificate chain `file`")
	flag.StringVar(&httpConfig.keyFilename, "tls-key", "", "Server TLS private key `file`")
	flag.StringVar(&httpConfig.jwtSecretFile, "jwt-secret-file", "", "`File` containing the HS256 secret used to verify client bearer tokens")
	flag.BoolVar(&httpConfig.verbose, "verbose", false, "Enable verbose logging")
	flag.StringVar(&httpConfig.host, "host", "localhost", "Proxy server `hostname`")
	flag.IntVar(&httpConfig.port, "port", defaultPort, "`Port` to listen on")
	flag.DurationVar(&httpConfig.timeout, "timeout", proxy.DefaultTimeout, "Timeout interval when sending commands")
}

func Usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [OPTION...]\n", os.Args[0])
	fmt.Fprintf(out, "\nA server that exposes a REST API for managing a mesh network")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, nonLocalhostWarning)
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	flag.PrintDefaults()
}

func main() {
	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %s\n", err)
		os.Exit(1)
	}

	defer func() {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
	}()

	flag.Usage = Usage
	config.RegisterCommandLineFlags()
	flag.Parse()
	if err = readFromEnvironment(); err != nil {
		return
	}
	config.ReadFromEnvironment()
	if err = config.LoadConfigFile(); err != nil {
		return
	}

	if httpConfig.verbose {
		log.SetLevel(log.LevelDebug)
	}

	if httpConfig.host != "localhost" && httpConfig.jwtSecretFile == "" {
		fmt.Fprintln(os.Stderr, nonLocalhostWarning)
	}

	var jwtSecret []byte
	if httpConfig.jwtSecretFile != "" {
		jwtSecret, err = os.ReadFile(httpConfig.jwtSecretFile)
		if err != nil {
			return
		}
	}

	if err = config.LoadCredentials(); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	provisioner, err := config.Connect(ctx)
	if err != nil {
		return
	}
	defer config.Close()

	bridge, err := config.ConnectBridge(provisioner)
	if err != nil {
		return
	}
	if bridge != nil {
		defer bridge.Stop()
	}

	log.Debug("Creating proxy")
	p := proxy.New(provisioner, jwtSecret)
	p.Timeout = httpConfig.timeout
	addr := fmt.Sprintf("%s:%d", httpConfig.host, httpConfig.port)
	log.Info("Listening on %s", addr)

	if httpConfig.certFilename != "" {
		log.Error("Server stopped: %s", http.ListenAndServeTLS(addr, httpConfig.certFilename, httpConfig.keyFilename, p))
	} else {
		log.Warning("Serving without TLS")
		log.Error("Server stopped: %s", http.ListenAndServe(addr, p))
	}
}

// readFromEnvironment applies configuration from environment variables. Values are not
// overwritten.
func readFromEnvironment() error {
	if httpConfig.certFilename == "" {
		httpConfig.certFilename = os.Getenv(EnvTLSCert)
	}
	if httpConfig.keyFilename == "" {
		httpConfig.keyFilename = os.Getenv(EnvTLSKey)
	}
	if httpConfig.jwtSecretFile == "" {
		httpConfig.jwtSecretFile = os.Getenv(EnvJWTSecretFile)
	}
	if httpConfig.host == "localhost" {
		if host, ok := os.LookupEnv(EnvHost); ok {
			httpConfig.host = host
		}
	}
	if !httpConfig.verbose {
		if verbose, ok := os.LookupEnv(EnvVerbose); ok {
			httpConfig.verbose = verbose != "false" && verbose != "0"
		}
	}

	var err error
	if httpConfig.port == defaultPort {
		if port, ok := os.LookupEnv(EnvPort); ok {
			httpConfig.port, err = strconv.Atoi(port)
			if err != nil {
				return fmt.Errorf("invalid port: %s", port)
			}
		}
	}
	if httpConfig.timeout == proxy.DefaultTimeout {
		if timeoutEnv, ok := os.LookupEnv(EnvTimeout); ok {
			httpConfig.timeout, err = time.ParseDuration(timeoutEnv)
			if err != nil {
				return fmt.Errorf("invalid timeout: %s", timeoutEnv)
			}
		}
	}
	return nil
}
