package command

import (
	"github.com/meshforge/lockstep/src/config"
	"github.com/spf13/cobra"
)

var _config = config.NewDefaultConfig()

// RootCmd is the root command for the lockstep CLI.
var RootCmd = &cobra.Command{
	Use:   "lockstep",
	Short: "Deterministic peer-assisted simulation engine",
}
