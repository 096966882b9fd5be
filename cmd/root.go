// Package cmd defines the relay's command line interface.
package cmd

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	cfg "github.com/tidemark-net/tidemark/config"
)

var config = cfg.DefaultConfig()

// Version is the build version, set from main.
var Version string

// AddFlags adds the relay's command line flags to cmd.
func AddFlags(cmd *cobra.Command) {
	/** ======================== BaseConfig Flags ========================== **/
	cmd.PersistentFlags().StringVarP(&config.BaseConfig.ConfigFile,
		"config", "c", config.BaseConfig.ConfigFile, "Load configuration from file")
	cmd.PersistentFlags().StringVarP(&config.BaseConfig.DataDir, "data-folder", "d",
		config.BaseConfig.DataDir, "Specify data directory for the relay")
	cmd.PersistentFlags().IntVar(&config.BaseConfig.DBConnections, "db-connections",
		config.BaseConfig.DBConnections, "Size of the sqlite connection pool")

	/** ======================== Relay Flags ========================== **/
	cmd.PersistentFlags().StringVar(&config.Relay.Listen, "listen",
		config.Relay.Listen, "Address for the websocket endpoint")
	cmd.PersistentFlags().Int64Var(&config.Relay.MaxMessageSize, "max-message-size",
		config.Relay.MaxMessageSize, "Maximum inbound frame size in bytes")
	cmd.PersistentFlags().IntVar(&config.Relay.OutQueueSize, "out-queue-size",
		config.Relay.OutQueueSize, "Outbound frame queue size per connection")
	cmd.PersistentFlags().IntVar(&config.Relay.MaxSubscriptions, "max-subscriptions",
		config.Relay.MaxSubscriptions, "Maximum live subscriptions per connection")
	cmd.PersistentFlags().IntVar(&config.Relay.QueryCap, "query-cap",
		config.Relay.QueryCap, "Maximum stored events replayed per request")
	cmd.PersistentFlags().IntVar(&config.Relay.MaxReconcileSessions, "max-reconcile-sessions",
		config.Relay.MaxReconcileSessions, "Maximum reconciliation sessions per connection")
	cmd.PersistentFlags().DurationVar(&config.Relay.WriteTimeout, "write-timeout",
		config.Relay.WriteTimeout, "Timeout for a single websocket write")
	cmd.PersistentFlags().DurationVar(&config.Relay.PongTimeout, "pong-timeout",
		config.Relay.PongTimeout, "Connections not answering pings within this window are dropped")
	cmd.PersistentFlags().StringVar(&config.Relay.Info.Name, "relay-name",
		config.Relay.Info.Name, "Relay name advertised in the information document")
	cmd.PersistentFlags().StringVar(&config.Relay.Info.Description, "relay-description",
		config.Relay.Info.Description, "Relay description advertised in the information document")
	cmd.PersistentFlags().StringVar(&config.Relay.Info.Contact, "relay-contact",
		config.Relay.Info.Contact, "Administrative contact advertised in the information document")

	/** ======================== Policy Flags ========================== **/
	cmd.PersistentFlags().IntVar(&config.Policy.MaxContentLength, "max-content-length",
		config.Policy.MaxContentLength, "Maximum event content length in bytes, 0 to disable")
	cmd.PersistentFlags().IntVar(&config.Policy.MaxTags, "max-tags",
		config.Policy.MaxTags, "Maximum tags per event, 0 to disable")
	cmd.PersistentFlags().DurationVar(&config.Policy.MaxPastDrift, "max-past-drift",
		config.Policy.MaxPastDrift, "Reject events with created_at further in the past, 0 to disable")
	cmd.PersistentFlags().DurationVar(&config.Policy.MaxFutureDrift, "max-future-drift",
		config.Policy.MaxFutureDrift, "Reject events with created_at further in the future, 0 to disable")
	cmd.PersistentFlags().Float64Var(&config.Policy.EventsPerSecond, "events-per-second",
		config.Policy.EventsPerSecond, "Per-connection sustained event rate, 0 to disable")
	cmd.PersistentFlags().IntVar(&config.Policy.EventBurst, "event-burst",
		config.Policy.EventBurst, "Per-connection event burst size")
	cmd.PersistentFlags().IntSliceVar(&config.Policy.AllowedKinds, "allowed-kinds",
		config.Policy.AllowedKinds, "Accept only these event kinds")
	cmd.PersistentFlags().IntSliceVar(&config.Policy.DeniedKinds, "denied-kinds",
		config.Policy.DeniedKinds, "Reject these event kinds")
	cmd.PersistentFlags().StringSliceVar(&config.Policy.DeniedAuthors, "denied-authors",
		config.Policy.DeniedAuthors, "Reject events from these public keys")

	/** ======================== Logging Flags ========================== **/
	cmd.PersistentFlags().StringVar(&config.Logging.Encoder, "log-encoder",
		config.Logging.Encoder, "Log encoder, console or json")
	cmd.PersistentFlags().StringVar(&config.Logging.Level, "log-level",
		config.Logging.Level, "Log level")

	// the file flag is bound directly; everything else goes through viper
	err := viper.BindPFlags(cmd.PersistentFlags())
	if err != nil {
		panic(fmt.Sprintf("BUG: bind flags: %v", err))
	}
}

// LoadConfig merges the config file and any explicitly set command line
// flags over the defaults.
func LoadConfig(cmd *cobra.Command) (*cfg.Config, error) {
	vip := viper.New()
	if err := cfg.LoadConfig(fileLocation(cmd), vip); err != nil {
		return nil, err
	}
	conf := cfg.DefaultConfig()
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := vip.Unmarshal(&conf, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("unmarshal viper: %w", err)
	}
	ensureCLIFlags(cmd, &conf)
	return &conf, nil
}

func fileLocation(cmd *cobra.Command) string {
	if f := cmd.PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return ""
}

// ensureCLIFlags re-applies explicitly set flags over the file-loaded
// config. Viper cannot merge nested structs with flat flag names, so fields
// are located by their mapstructure tag.
func ensureCLIFlags(cmd *cobra.Command, conf *cfg.Config) {
	sections := []reflect.Value{
		reflect.ValueOf(&conf.BaseConfig).Elem(),
		reflect.ValueOf(&conf.Relay).Elem(),
		reflect.ValueOf(&conf.Relay.Info).Elem(),
		reflect.ValueOf(&conf.Policy).Elem(),
		reflect.ValueOf(&conf.Logging).Elem(),
	}
	cmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		for _, elem := range sections {
			assignField(elem, f.Name)
		}
	})
}

func assignField(elem reflect.Value, name string) {
	p := elem.Type()
	for i := 0; i < p.NumField(); i++ {
		if p.Field(i).Tag.Get("mapstructure") != name {
			continue
		}
		var val any
		switch p.Field(i).Type.String() {
		case "bool":
			val = viper.GetBool(name)
		case "string":
			val = viper.GetString(name)
		case "int":
			val = viper.GetInt(name)
		case "int64":
			val = viper.GetInt64(name)
		case "float64":
			val = viper.GetFloat64(name)
		case "[]string":
			val = viper.GetStringSlice(name)
		case "[]int":
			val = viper.GetIntSlice(name)
		case "time.Duration":
			val = viper.GetDuration(name)
		default:
			val = viper.Get(name)
		}
		elem.Field(i).Set(reflect.ValueOf(val))
		return
	}
}
