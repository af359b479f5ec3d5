package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/nodeactuator/pkg/client"
)

func main() {
	root := buildRoot(os.Stdout, newAPIClient)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the command tree. newClient is swapped in tests.
func buildRoot(out io.Writer, newClient func(APIFlags) apiClient) *cobra.Command {
	globalFlags := &GlobalFlags{}
	apiFlags := &APIFlags{}
	c := command{out: out, newClient: newClient}

	root := createRootCommand(globalFlags, apiFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(c, apiFlags),
		createStateCommand(c, apiFlags, "off", "Stop the node and restore host DNS"),
		createStateCommand(c, apiFlags, "serving", "Run the node without routing host DNS through it"),
		createStateCommand(c, apiFlags, "consuming", "Run the node and route host DNS through it"),
		createReconcileCommand(c, apiFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags, api *APIFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "nodeactuator",
		Short: "Control a local SubstratumNode and host DNS redirection",
		Long: `nodeactuator supervises a local node process and switches host DNS
between the node and the regular resolver.

Examples:
  nodeactuator serve --config=nodeactuator.toml   # Start daemon
  nodeactuator status
  nodeactuator consuming --api-url=http://127.0.0.1:8089/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&api.APIUrl, "api-url", client.DefaultConfig().BaseURL, "daemon API base URL")
	root.PersistentFlags().DurationVar(&api.APITimeout, "api-timeout", 10*time.Second, "daemon API request timeout")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the nodeactuator daemon",
		Long: `Start the daemon. It reconciles once to show the current status,
serves the HTTP API and reverts DNS when interrupted.

Examples:
  nodeactuator serve --config=nodeactuator.toml
  nodeactuator serve nodeactuator.toml
  nodeactuator serve nodeactuator.toml --daemonize --pidfile=/run/nodeactuator.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(cmd.Context(), serveFlags, args)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createStatusCommand(c command, api *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the node status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *api)
		},
	}
}

func createStateCommand(c command, api *APIFlags, state, short string) *cobra.Command {
	return &cobra.Command{
		Use:   state,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Set(cmd.Context(), *api, state)
		},
	}
}

func createReconcileCommand(c command, api *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Re-derive the status from the running processes and DNS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Reconcile(cmd.Context(), *api)
		},
	}
}
