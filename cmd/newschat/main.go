package main

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/newschat/cmd/newschat/cmds"
	"github.com/go-go-golems/newschat/pkg/config"
	"github.com/go-go-golems/newschat/pkg/logging"
)

var closeLog = func() error { return nil }

var rootCmd = &cobra.Command{
	Use:           "newschat",
	Short:         "newschat is a session-based streaming chat client",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.NewViper(cmd)
		if err != nil {
			return err
		}
		s, err := config.Load(v)
		if err != nil {
			return err
		}
		// reinitialize the logger now that --log-level and co are parsed
		closeLog, err = logging.Init(s.Logging)
		if err != nil {
			return err
		}
		cmd.SetContext(cmds.WithSettings(cmd.Context(), s))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLog()
	},
}

func main() {
	config.AddFlags(rootCmd)
	rootCmd.AddCommand(
		cmds.NewChatCommand(),
		cmds.NewSessionsCommand(),
		cmds.NewServeCommand(),
	)
	err := rootCmd.Execute()
	cobra.CheckErr(err)
}
