package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var databasesServer string

var databasesCmd = &cobra.Command{
	Use:   "databases",
	Short: "Inspect databases on a registered server",
}

var databasesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the databases of a server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFrom(cmd)
		if err != nil {
			return err
		}
		s, err := a.findServer(databasesServer)
		if err != nil {
			return err
		}
		conn, err := a.connector(s, "")
		if err != nil {
			return err
		}
		names, err := conn.ListDatabases(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list databases on %s: %w", s.Name, err)
		}
		for _, n := range names {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
		return nil
	},
}

func init() {
	databasesListCmd.Flags().StringVar(&databasesServer, "server", "", "server name")
	databasesListCmd.MarkFlagRequired("server")
	databasesCmd.AddCommand(databasesListCmd)
	rootCmd.AddCommand(databasesCmd)
}
