// Command tlsio-client dials a TLS 1.2/1.3 server using the tlsio sans-I/O
// engine, piping stdin to the connection and writing whatever comes back to
// stdout — a minimal analogue of openssl s_client built on top of
// tlsio.Connection instead of crypto/tls.
package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tlsio-go/tlsio"
	"github.com/tlsio-go/tlsio/internal/ioloop"
)

func main() {
	var (
		addr           string
		serverName     string
		alpn           string
		allowEarlyData bool
		verbose        bool
	)

	cmd := &cobra.Command{
		Use:   "tlsio-client",
		Short: "Connect to a server over TLS using the tlsio engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			tickets, err := tlsio.NewTicketStore(16)
			if err != nil {
				return err
			}
			cfg := tlsio.Config{
				AllowEarlyData: allowEarlyData,
				Tickets:        tickets,
			}
			if alpn != "" {
				cfg.NextProtos = strings.Split(alpn, ",")
			}

			conn, err := tlsio.NewClientConnection(cfg, serverName, logger)
			if err != nil {
				return fmt.Errorf("building connection: %w", err)
			}

			netConn, err := net.Dial("tcp", addr)
			if err != nil {
				return fmt.Errorf("dialing %s: %w", addr, err)
			}
			defer netConn.Close()

			return ioloop.Run(conn, netConn, os.Stdin, os.Stdout, logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:4430", "address to connect to")
	cmd.Flags().StringVar(&serverName, "server-name", "tlsio.local", "server name for SNI and certificate verification")
	cmd.Flags().StringVar(&alpn, "alpn", "", "comma-separated list of ALPN protocols to offer")
	cmd.Flags().BoolVar(&allowEarlyData, "allow-early-data", false, "offer 0-RTT data when a resumable ticket is cached")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tlsio-client:", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}
