// Command tlsio-server accepts TLS 1.2/1.3 connections using the tlsio
// sans-I/O engine, one goroutine per connection, echoing received
// application data back to the client.
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
		addr              string
		alpn              string
		sendSessionTicket bool
		allowEarlyData    bool
		verbose           bool
	)

	cmd := &cobra.Command{
		Use:   "tlsio-server",
		Short: "Accept TLS connections using the tlsio engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			tickets, err := tlsio.NewTicketStore(1024)
			if err != nil {
				return err
			}
			cfg := tlsio.Config{
				SendSessionTicket: sendSessionTicket,
				AllowEarlyData:    allowEarlyData,
				Tickets:           tickets,
			}
			if alpn != "" {
				cfg.NextProtos = strings.Split(alpn, ",")
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", addr, err)
			}
			defer ln.Close()
			logger.Info("listening", zap.String("addr", addr))

			for {
				netConn, err := ln.Accept()
				if err != nil {
					return err
				}
				go handle(cfg, netConn, logger)
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":4430", "address to listen on")
	cmd.Flags().StringVar(&alpn, "alpn", "", "comma-separated list of ALPN protocols to support")
	cmd.Flags().BoolVar(&sendSessionTicket, "send-ticket", false, "issue a session ticket after each TLS 1.3 handshake")
	cmd.Flags().BoolVar(&allowEarlyData, "allow-early-data", false, "accept 0-RTT data on resumed connections")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tlsio-server:", err)
		os.Exit(1)
	}
}

func handle(cfg tlsio.Config, netConn net.Conn, logger *zap.Logger) {
	defer netConn.Close()

	peer := netConn.RemoteAddr().String()
	connLogger := logger.With(zap.String("peer", peer))

	conn, err := tlsio.NewServerConnection(cfg, connLogger)
	if err != nil {
		connLogger.Error("failed to build connection", zap.Error(err))
		return
	}

	// The server echoes whatever it receives instead of reading from this
	// process's own stdin, which is shared across every connection.
	echo := newEchoPipe()
	if err := ioloop.Run(conn, netConn, echo, echo, connLogger); err != nil {
		connLogger.Warn("connection ended with error", zap.Error(err))
	}
}

// echoPipe feeds every chunk written to it back out as the next read,
// turning ioloop's "pipe stdin to peer, peer to stdout" shape into an echo
// server without a second io.Reader/Writer pair.
type echoPipe struct {
	chunks chan []byte
	rest   []byte
}

func newEchoPipe() *echoPipe {
	return &echoPipe{chunks: make(chan []byte, 64)}
}

func (p *echoPipe) Write(data []byte) (int, error) {
	p.chunks <- append([]byte(nil), data...)
	return len(data), nil
}

func (p *echoPipe) Read(out []byte) (int, error) {
	if len(p.rest) == 0 {
		p.rest = <-p.chunks
	}
	n := copy(out, p.rest)
	p.rest = p.rest[n:]
	return n, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}
