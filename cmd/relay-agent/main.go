// Command relay-agent runs the local relay runtime: it boots the
// configured channel plugin and drives the inbound, outbound, and
// heartbeat loops until terminated or the device is revoked.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/viper"
	_ "go.uber.org/automaxprocs"

	"github.com/myndhyve/relay-agent/internal/channel/imessage"
	"github.com/myndhyve/relay-agent/internal/channel/signal"
	"github.com/myndhyve/relay-agent/internal/channel/whatsapp"
	"github.com/myndhyve/relay-agent/internal/config"
	"github.com/myndhyve/relay-agent/internal/logging"
	"github.com/myndhyve/relay-agent/internal/metrics"
	"github.com/myndhyve/relay-agent/internal/relayclient"
	"github.com/myndhyve/relay-agent/internal/supervisor"

	channelpkg "github.com/myndhyve/relay-agent/internal/channel"
)

// version is overridden at build time via -ldflags.
var version = "dev"

const (
	exitOK           = 0
	exitGeneral      = 1
	exitUsage        = 2
	exitUnauthorized = 4
	exitInterrupted  = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	activate := flag.Bool("activate", false, "run the registration/activation flow instead of the relay loop")
	channelFlag := flag.String("channel", "", "channel tag to activate (whatsapp|signal|imessage); required with -activate")
	label := flag.String("label", "", "human-readable device label; required with -activate")
	configDir := flag.String("config-dir", "", "override the agent's config directory")
	metricsPort := flag.Int("metrics-port", 0, "if non-zero, serve Prometheus metrics on 127.0.0.1:<port>")
	flag.Parse()

	v := bootstrapViper()
	logging.SetThreshold(logging.ParseLevel(v.GetString("log_level")))
	log := logging.New("Main")

	dir := *configDir
	if dir == "" {
		dir = config.DefaultDir()
	}
	store, err := config.NewStore(dir)
	if err != nil {
		log.Errorf("failed to open config store", "err", err)
		return exitGeneral
	}

	doc := store.Load()
	if _, ok := os.LookupEnv("RELAY_LOG_LEVEL"); !ok {
		logging.SetThreshold(logging.ParseLevel(doc.Logging.Level))
	}
	baseURL := doc.Server.BaseURL
	if override := v.GetString("base_url"); override != "" {
		baseURL = override
	}
	client := relayclient.New(baseURL)
	if doc.DeviceToken != "" {
		client.SetDeviceToken(doc.DeviceToken)
	}

	registry := buildRegistry(store)
	sup := supervisor.New(store, client, registry, version)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *metricsPort != 0 {
		collector := metrics.New()
		sup.SetMetrics(collector)
		go func() {
			if err := collector.Serve(ctx, *metricsPort); err != nil {
				log.Warnf("metrics endpoint stopped", "err", err)
			}
		}()
	}

	if *activate {
		if *channelFlag == "" || *label == "" {
			fmt.Fprintln(os.Stderr, "relay-agent -activate requires -channel and -label")
			return exitUsage
		}
		bearer := v.GetString("user_identity_token")
		if bearer == "" {
			fmt.Fprintln(os.Stderr, "set RELAY_USER_TOKEN to the user-identity bearer token before activating")
			return exitUsage
		}
		if err := sup.Activate(ctx, *channelFlag, *label, bearer); err != nil {
			log.Errorf("activation failed", "err", err)
			return exitGeneral
		}
		fmt.Println("activated successfully")
		return exitOK
	}

	err = sup.Run(ctx)
	if ctx.Err() != nil {
		log.Infof("shutting down on signal")
		return exitInterrupted
	}
	if err != nil {
		if sup.State() == supervisor.Revoked {
			log.Errorf("device revoked", "err", err)
			return exitUnauthorized
		}
		log.Errorf("relay loop ended with error", "err", err)
		return exitGeneral
	}
	return exitOK
}

// bootstrapViper wires environment-variable overrides (§6): RELAY_BASE_URL,
// RELAY_LOG_LEVEL, RELAY_USER_TOKEN. CLI flags take precedence over
// environment, which takes precedence over the persisted config document.
func bootstrapViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("log_level", "info")
	v.SetEnvPrefix("RELAY")
	v.BindEnv("log_level", "RELAY_LOG_LEVEL")
	v.BindEnv("user_identity_token", "RELAY_USER_TOKEN")
	v.BindEnv("base_url", "RELAY_BASE_URL")
	v.AutomaticEnv()
	return v
}

func buildRegistry(store *config.Store) *channelpkg.Registry {
	registry := channelpkg.NewRegistry()

	if waDir, err := store.ChannelDir("whatsapp"); err == nil {
		registry.Register(whatsapp.New("ws://127.0.0.1:9091/session", waDir))
	}
	if sigDir, err := store.ChannelDir("signal"); err == nil {
		registry.Register(signal.New(sigDir))
	}
	registry.Register(imessage.New(filepath.Join(defaultIMessageStorePath())))

	return registry
}

func defaultIMessageStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "Library", "Messages", "chat.db")
}
