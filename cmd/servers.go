package cmd

import (
	"fmt"
	"strings"

	"github.com/lupppig/pgbackup/internal/logger"
	"github.com/lupppig/pgbackup/internal/resource"
	"github.com/spf13/cobra"
)

var serversCmd = &cobra.Command{
	Use:     "servers",
	Aliases: []string{"server"},
	Short:   "Manage registered database servers",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFrom(cmd)
		if err != nil {
			return err
		}
		servers := a.rc.Servers()
		out := cmd.OutOrStdout()
		if len(servers) == 0 {
			fmt.Fprintln(out, "No servers registered.")
			return nil
		}
		fmt.Fprintf(out, "%-20s %-10s %-30s %-15s %-20s\n", "NAME", "ENGINE", "ADDRESS", "USER", "DEFAULT DB")
		fmt.Fprintln(out, strings.Repeat("-", 99))
		for _, s := range servers {
			fmt.Fprintf(out, "%-20s %-10s %-30s %-15s %-20s\n",
				s.Name, s.Engine, fmt.Sprintf("%s:%d", s.Host, s.Port), s.User, s.DefaultDB)
		}
		return nil
	},
}

var addServer struct {
	name, host, user, password, defaultDB, engine, sslMode string
	port                                                   int
	skipCheck                                              bool
}

var serversAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a database server",
	Long: `Register a database server under a unique name.

The connection is probed before the server is saved unless --skip-check is
given. Registering a name that already exists changes nothing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFrom(cmd)
		if err != nil {
			return err
		}
		l := logger.FromContext(cmd.Context())

		s := resource.Server{
			Name:      addServer.name,
			Engine:    addServer.engine,
			Host:      addServer.host,
			Port:      addServer.port,
			User:      addServer.user,
			Password:  addServer.password,
			DefaultDB: addServer.defaultDB,
			SSLMode:   addServer.sslMode,
		}
		if s.DefaultDB == "" {
			s.DefaultDB = "postgres"
			if strings.EqualFold(s.Engine, "mysql") {
				s.DefaultDB = "mysql"
			}
		}

		if !addServer.skipCheck {
			conn, err := a.connector(s, "")
			if err != nil {
				return err
			}
			l.Info("Checking connection", "host", s.Host, "port", s.Port)
			if !conn.CanConnect(cmd.Context()) {
				return fmt.Errorf("cannot connect to %s as %s; use --skip-check to register it anyway", s.Host, s.User)
			}
		}

		saved, created, err := a.rc.AddServer(s)
		if err != nil {
			return err
		}
		if !created {
			fmt.Fprintf(cmd.OutOrStdout(), "Server %s already exists (%s)\n", saved.Name, saved.ID)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added server %s (%s)\n", saved.Name, saved.ID)
		return nil
	},
}

var serversRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Unregister a server",
	Long: `Unregister a server. Backup jobs of the server are dropped by the
scheduler the next time they fire.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFrom(cmd)
		if err != nil {
			return err
		}
		s, err := a.findServer(args[0])
		if err != nil {
			return err
		}
		if err := a.rc.RemoveServer(s.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed server %s\n", s.Name)
		return nil
	},
}

var updateServer struct {
	user, password string
}

var serversUpdateCmd = &cobra.Command{
	Use:   "update <name>",
	Short: "Change the credentials of a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFrom(cmd)
		if err != nil {
			return err
		}
		s, err := a.findServer(args[0])
		if err != nil {
			return err
		}
		user := s.User
		if cmd.Flags().Changed("user") {
			user = updateServer.user
		}
		password := s.Password
		if cmd.Flags().Changed("password") {
			password = updateServer.password
		}
		if err := a.rc.UpdateServerCredentials(s.ID, user, password); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated credentials of %s\n", s.Name)
		return nil
	},
}

func init() {
	f := serversAddCmd.Flags()
	f.StringVar(&addServer.name, "name", "", "unique server name")
	f.StringVar(&addServer.host, "host", "localhost", "database host")
	f.IntVar(&addServer.port, "port", 0, "database port (default 5432 or 3306)")
	f.StringVar(&addServer.user, "user", "", "database user")
	f.StringVar(&addServer.password, "password", "", "database password")
	f.StringVar(&addServer.defaultDB, "default-db", "", "database used for probes (default postgres or mysql)")
	f.StringVar(&addServer.engine, "engine", "postgres", "database engine (postgres, mysql)")
	f.StringVar(&addServer.sslMode, "ssl-mode", "", "PostgreSQL sslmode")
	f.BoolVar(&addServer.skipCheck, "skip-check", false, "register without probing the connection")
	serversAddCmd.MarkFlagRequired("name")
	serversAddCmd.MarkFlagRequired("user")

	serversUpdateCmd.Flags().StringVar(&updateServer.user, "user", "", "new database user")
	serversUpdateCmd.Flags().StringVar(&updateServer.password, "password", "", "new database password")

	serversCmd.AddCommand(serversListCmd, serversAddCmd, serversRemoveCmd, serversUpdateCmd)
	rootCmd.AddCommand(serversCmd)
}
