package doc

import (
	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// DocCommands represents the document command group
	DocCommands = &cobra.Command{
		Use:               "doc",
		Short:             "Read, edit and watch documents of a dSync server",
		PersistentPreRunE: setupClient,
	}
)

func init() {
	// Add connection flags to the doc commands
	util.SetupClientFlags(DocCommands)

	// Add subcommands
	DocCommands.AddCommand(catCmd)
	DocCommands.AddCommand(insertCmd)
	DocCommands.AddCommand(deleteCmd)
	DocCommands.AddCommand(watchCmd)
	DocCommands.AddCommand(perfTestCmd)
}

// setupClient binds the flags and configures the loggers
func setupClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	return common.InitLoggers(viper.GetString("log-level"))
}
