package cmd

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	cfg "github.com/tidemark-net/tidemark/config"
)

func TestLoadConfigAppliesChangedFlags(t *testing.T) {
	c := &cobra.Command{Use: "test"}
	AddFlags(c)
	require.NoError(t, c.PersistentFlags().Set("log-level", "debug"))
	require.NoError(t, c.PersistentFlags().Set("log-encoder", "json"))
	require.NoError(t, c.PersistentFlags().Set("listen", ":9000"))
	require.NoError(t, c.PersistentFlags().Set("max-future-drift", "1h"))
	require.NoError(t, c.PersistentFlags().Set("denied-kinds", "4,5"))

	conf, err := LoadConfig(c)
	require.NoError(t, err)
	require.Equal(t, "debug", conf.Logging.Level)
	require.Equal(t, "json", conf.Logging.Encoder)
	require.Equal(t, ":9000", conf.Relay.Listen)
	require.Equal(t, time.Hour, conf.Policy.MaxFutureDrift)
	require.Equal(t, []int{4, 5}, conf.Policy.DeniedKinds)

	// flags left untouched keep their defaults
	require.Equal(t, cfg.DefaultConfig().Relay.MaxSubscriptions, conf.Relay.MaxSubscriptions)
}

func TestLoadConfigDefaults(t *testing.T) {
	c := &cobra.Command{Use: "test"}
	AddFlags(c)
	conf, err := LoadConfig(c)
	require.NoError(t, err)
	defaults := cfg.DefaultConfig()
	require.Equal(t, defaults.Logging.Level, conf.Logging.Level)
	require.Equal(t, defaults.Relay.Listen, conf.Relay.Listen)
}
