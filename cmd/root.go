package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

func SetVersionInfo(version, commit string) {
	buildVersion, buildCommit = version, commit
	rootCmd.Version = fmt.Sprintf("%s (%s)", version, commit)
}

var rootCmd = &cobra.Command{
	Use:   "sshbroker",
	Short: "SSH connection broker exposing remote shell tools to an agent",
	Long: `sshbroker keeps SSH connections, async commands and interactive PTY
sessions on behalf of an agent and exposes them as MCP tools over stdio.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
