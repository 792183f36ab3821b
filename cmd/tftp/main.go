package main

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pktwerk/tftp"
	"github.com/pktwerk/tftp/internal/client"
	"github.com/pktwerk/tftp/internal/server"
)

var (
	cfgFile   string
	address   string
	port      int
	root      string
	overwrite bool

	modeName string
	timeout  time.Duration
	retries  int
)

var rootCmd = &cobra.Command{
	Use:           "tftp",
	Short:         "TFTP (RFC 1350) server and client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve files from a directory over TFTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := server.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("address") {
			opts.Address = address
		}
		if cmd.Flags().Changed("port") {
			opts.Port = port
		}
		if cmd.Flags().Changed("root") {
			opts.Root = root
		}
		if cmd.Flags().Changed("overwrite") {
			opts.Overwrite = overwrite
		}

		store, err := server.NewDirStore(opts.Root, opts.Overwrite)
		if err != nil {
			return err
		}

		srv := server.New(store, func(o *server.Options) { *o = *opts })
		return srv.Serve()
	},
}

var getCmd = &cobra.Command{
	Use:   "get <host:port> <remote> [local]",
	Short: "Fetch a file from a TFTP server",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		data, err := c.Get(args[0], args[1])
		if err != nil {
			return err
		}
		local := args[1]
		if len(args) == 3 {
			local = args[2]
		}
		return os.WriteFile(local, data, 0o644)
	},
}

var putCmd = &cobra.Command{
	Use:   "put <host:port> <local> [remote]",
	Short: "Store a file on a TFTP server",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		remote := args[1]
		if len(args) == 3 {
			remote = args[2]
		}
		return c.Put(args[0], remote, data)
	},
}

func newClient() (*client.Client, error) {
	mode, err := tftp.ParseMode(modeName)
	if err != nil {
		return nil, err
	}
	return &client.Client{
		Timeout: timeout,
		Retries: retries,
		Mode:    mode,
	}, nil
}

func init() {
	serveCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "path to a YAML config file")
	serveCmd.Flags().StringVar(&address, "address", "0.0.0.0", "address to listen on")
	serveCmd.Flags().IntVar(&port, "port", 69, "main request port")
	serveCmd.Flags().StringVar(&root, "root", "./files/", "directory to serve")
	serveCmd.Flags().BoolVar(&overwrite, "overwrite", false, "allow uploads to replace existing files")

	for _, cmd := range []*cobra.Command{getCmd, putCmd} {
		cmd.Flags().StringVar(&modeName, "mode", "octet", "transfer mode: octet or netascii")
		cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "per-datagram receive timeout")
		cmd.Flags().IntVar(&retries, "retries", 5, "retransmissions before giving up")
	}

	rootCmd.AddCommand(serveCmd, getCmd, putCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("Command failed")
	}
}
