package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatbridge/cmd/chatbridge/cmds"
	"github.com/go-go-golems/chatbridge/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:           "chatbridge",
	Short:         "chatbridge is a terminal client for a streaming chat backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger now that --log-level and co are parsed
		return logging.InitLoggerFromViper()
	},
}

func main() {
	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	if err := clay.InitViper("chatbridge", rootCmd); err != nil {
		cobra.CheckErr(err)
	}

	err := initRootCmd()
	cobra.CheckErr(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("command failed")
		stop()
		os.Exit(1)
	}
}

func initRootCmd() error {
	// the config file clay found plus CHATBRIDGE_* seed the flag defaults;
	// it is validated once the command's flags are applied
	defaults, err := config.Read(config.NewViper(), viper.ConfigFileUsed())
	if err != nil {
		return err
	}

	chatCmd, err := cmds.NewChatCommand(defaults)
	if err != nil {
		return err
	}
	command, err := cli.BuildCobraCommand(chatCmd, cli.WithCobraMiddlewaresFunc(cmds.Middlewares))
	if err != nil {
		return err
	}
	rootCmd.AddCommand(command)

	sendCmd, err := cmds.NewSendCommand(defaults)
	if err != nil {
		return err
	}
	command, err = cli.BuildCobraCommand(sendCmd, cli.WithCobraMiddlewaresFunc(cmds.Middlewares))
	if err != nil {
		return err
	}
	rootCmd.AddCommand(command)

	replayCmd, err := cmds.NewReplayCommand()
	if err != nil {
		return err
	}
	command, err = cli.BuildCobraCommand(replayCmd, cli.WithCobraMiddlewaresFunc(cmds.Middlewares))
	if err != nil {
		return err
	}
	rootCmd.AddCommand(command)

	return nil
}
