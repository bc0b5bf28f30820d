package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gluk-w/sshbroker/internal/config"
	"github.com/gluk-w/sshbroker/internal/crypto"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the named connection file",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List named connections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config.Load()
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			config.Cfg.ConnectionsFile = path
		}
		file, err := loadConnections()
		if err != nil {
			return err
		}

		tag, _ := cmd.Flags().GetString("tag")
		entries := file.FilterByTag(tag)
		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintf(out, "No connections in %s\n", config.Cfg.ConnectionsFile)
			return nil
		}

		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tTARGET\tAUTH\tTAGS\tDESCRIPTION")
		for _, c := range entries {
			auth := "agent"
			switch {
			case c.PrivateKey != "":
				auth = "key"
			case c.HasPassword():
				auth = "password"
			}
			fmt.Fprintf(tw, "%s\t%s@%s:%d\t%s\t%s\t%s\n",
				c.Name, c.Username, c.Host, c.Port, auth, strings.Join(c.Tags, ","), c.Description)
		}
		return tw.Flush()
	},
}

var configEncryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt a password read from stdin for password_encrypted",
	Long: `Reads one secret from stdin and prints a fernet token for the
password_encrypted field of the connection file. The key comes from
SSHBROKER_SECRET_KEY or the key file under SSHBROKER_DATA_PATH.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config.Load()
		secret, err := readSecret(cmd.InOrStdin())
		if err != nil {
			return err
		}
		key, err := secretKey()
		if err != nil {
			return err
		}
		token, err := crypto.Encrypt(key, secret)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "encrypted with key %s\n", crypto.Mask(key))
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

// readSecret returns the first line of r without its line ending.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read secret: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("no secret on stdin")
	}
	return line, nil
}

func init() {
	configListCmd.Flags().String("config", "", "Connection file (default $SSHBROKER_CONNECTIONS_FILE)")
	configListCmd.Flags().String("tag", "", "Only connections carrying this tag")
	configCmd.AddCommand(configListCmd, configEncryptCmd)
	rootCmd.AddCommand(configCmd)
}
