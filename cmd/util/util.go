package util

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads the env files and makes viper read DSYNC_* variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dsync")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// SetupClientFlags adds the connection flags of the client commands
func SetupClientFlags(cmd *cobra.Command) {
	defaults := common.DefaultClientConfig("")

	key := "endpoint"
	cmd.PersistentFlags().String(key, "ws://localhost:8080/ws", WrapString("WebSocket url of the dSync server"))

	key = "token"
	cmd.PersistentFlags().String(key, "", WrapString("JWT presented in the handshake (empty for anonymous access)"))

	key = "timeout"
	cmd.PersistentFlags().Int(key, defaults.TimeoutSecond, WrapString("Dial and handshake timeout in seconds"))

	key = "initial-backoff"
	cmd.PersistentFlags().Duration(key, defaults.InitialBackoff, WrapString("First reconnect delay"))

	key = "max-backoff"
	cmd.PersistentFlags().Duration(key, defaults.MaxBackoff, WrapString("Upper bound of the reconnect delay"))

	key = "awareness-interval"
	cmd.PersistentFlags().Duration(key, defaults.AwarenessInterval, WrapString("Minimum time between two awareness messages of this client"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "warn", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// GetClientConfig reads the client configuration from viper
func GetClientConfig() common.ClientConfig {
	conf := common.DefaultClientConfig(viper.GetString("endpoint"))
	conf.Serializer = viper.GetString("serializer")
	conf.Token = viper.GetString("token")
	conf.TimeoutSecond = viper.GetInt("timeout")
	conf.InitialBackoff = viper.GetDuration("initial-backoff")
	conf.MaxBackoff = viper.GetDuration("max-backoff")
	conf.AwarenessInterval = viper.GetDuration("awareness-interval")
	return conf
}

// OpenFacade connects to docID and waits for the handshake. The caller
// must close the returned facade.
func OpenFacade(ctx context.Context, config common.ClientConfig, docID string, opts ...client.Option) (*client.Facade, error) {
	f, err := client.New(config, docID, opts...)
	if err != nil {
		return nil, err
	}
	f.Start()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(config.TimeoutSecond)*time.Second)
	defer cancel()
	if err := f.WaitSynced(ctx); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("connect to %s: %w", config.Endpoint, err)
	}
	return f, nil
}
