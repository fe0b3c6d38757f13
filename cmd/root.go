// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	datastoreEngineFlag = "datastore-engine"
	datastoreURIFlag    = "datastore-uri"
)

// NewRootCommand enables all children commands to read flags from CLI flags,
// environment variables prefixed with REBAC, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("REBAC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/rebac", "$HOME/.rebac", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	viper.SetDefault(datastoreEngineFlag, "memory")
	viper.SetDefault(datastoreURIFlag, "")
	_ = viper.ReadInConfig()

	return &cobra.Command{
		Use:   "rebac",
		Short: "A relationship-based access control engine with tenant-scoped tuples, rewrite rules and a parallel-run harness",
		Long: `A relationship-based access control engine.

rebac answers permission checks by traversing relationship tuples: direct
grants, userset grants through groups and teams, and schema-level rewrite
rules. Decisions are cached with write-time invalidation, and a shadow
harness compares the engine against an existing authorization path before
cutover.`,
	}
}
