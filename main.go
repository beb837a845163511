package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pathwar/pathwar-hypervisor/cmd/forceredump"
	"github.com/pathwar/pathwar-hypervisor/cmd/loop"
)

var rootCmd = &cobra.Command{
	Use:   "pathwar-hypervisor",
	Short: "pathwar-hypervisor",
	Long:  ``,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
		os.Exit(1)
	},
}

func init() {
	rootCmd.AddCommand(loop.Command)
	rootCmd.AddCommand(forceredump.Command)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
