package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/beanrt/cmd/run"
	"github.com/ValentinKolb/beanrt/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "beanrt",
		Short: "enterprise bean container runtime",
		Long: fmt.Sprintf(`beanrt (v%s)

A container runtime for entity, session and message-driven beans written in Go.
It serializes access to bean identities, caches active instances, pools free
ones and stores entity state before transactions commit.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of beanrt",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("beanrt v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(run.RunCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
