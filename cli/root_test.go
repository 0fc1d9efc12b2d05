package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandFlags(t *testing.T) {
	for _, name := range []string{
		"config", "service-name", "database-url", "broker-url",
		"redis-url", "port", "consume", "debug",
	} {
		assert.NotNil(t, RootCmd.PersistentFlags().Lookup(name), "flag %s", name)
	}
}

func TestStatsCommandRegistered(t *testing.T) {
	found := false
	for _, cmd := range RootCmd.Commands() {
		if cmd.Use == "stats" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "workhub", cfg.Service.Name)
	assert.Equal(t, "wh_", cfg.Database.Prefix)
	assert.Positive(t, cfg.Coordination.PartitionCount)
	assert.Greater(t, cfg.Coordination.StaleThreshold, cfg.Coordination.Lease)
}
