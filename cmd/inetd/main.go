// Command inetd runs the userspace TCP/IP stack daemon against a named
// network interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jserv/nstack/internal/addr"
	"github.com/jserv/nstack/internal/daemon"
	"github.com/jserv/nstack/internal/link/rawlink"
)

var (
	ifaceAddrFlag = flag.String("addr", "", "IPv4 address to assign the interface, e.g. 10.0.0.2")
	netmaskFlag   = flag.String("netmask", "255.255.255.0", "netmask to assign the interface")
	verbose       = flag.Bool("v", false, "enable verbose logging")
	metricsEnable = flag.Bool("metrics-enable", false, "enable prometheus metrics")
	metricsAddr   = flag.String("metrics-addr", "localhost:0", "address to listen on for prometheus metrics")
	socketDir     = flag.String("socket-dir", "", "directory to create shared-memory socket regions in for -bind sockets (default: private in-process rings)")
	binds         bindFlags

	version = "dev"
)

func init() {
	flag.Var(&binds, "bind", "proto:addr:port to bind a listening socket on, e.g. tcp:10.0.0.2:80 (repeatable)")
}

// bindSpec is one parsed -bind flag.
type bindSpec struct {
	transport string
	addr      addr.SockAddr
}

// bindFlags accumulates every -bind flag given on the command line.
type bindFlags []bindSpec

func (b *bindFlags) String() string {
	if b == nil {
		return ""
	}
	parts := make([]string, len(*b))
	for i, s := range *b {
		parts[i] = fmt.Sprintf("%s:%s", s.transport, s.addr)
	}
	return strings.Join(parts, ",")
}

func (b *bindFlags) Set(v string) error {
	fields := strings.SplitN(v, ":", 3)
	if len(fields) != 3 {
		return fmt.Errorf("-bind: expected proto:addr:port, got %q", v)
	}
	transport := fields[0]
	if transport != "tcp" && transport != "udp" {
		return fmt.Errorf("-bind: unsupported proto %q, want tcp or udp", transport)
	}
	ip, err := parseIPv4(fields[1])
	if err != nil {
		return fmt.Errorf("-bind: %w", err)
	}
	port, err := strconv.ParseUint(fields[2], 10, 16)
	if err != nil {
		return fmt.Errorf("-bind: invalid port %q: %w", fields[2], err)
	}
	*b = append(*b, bindSpec{transport: transport, addr: addr.SockAddr{Addr: ip, Port: uint16(port)}})
	return nil
}

func main() {
	flag.Parse()

	opts := &slog.HandlerOptions{}
	if *verbose {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: inetd [flags] <interface>")
		os.Exit(1)
	}
	ifaceName := flag.Arg(0)

	if *ifaceAddrFlag == "" {
		slog.Error("-addr is required")
		os.Exit(1)
	}
	ifaceAddr, err := parseIPv4(*ifaceAddrFlag)
	if err != nil {
		slog.Error("invalid -addr", "error", err)
		os.Exit(1)
	}
	netmask, err := parseIPv4(*netmaskFlag)
	if err != nil {
		slog.Error("invalid -netmask", "error", err)
		os.Exit(1)
	}

	if *metricsEnable {
		buildInfo := promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nstack_build_info",
				Help: "Build information of the nstack daemon",
			},
			[]string{"version"},
		)
		buildInfo.WithLabelValues(version).Set(1)

		go func() {
			listener, err := net.Listen("tcp", *metricsAddr)
			if err != nil {
				slog.Error("failed to start prometheus metrics listener", "error", err)
				os.Exit(1)
			}
			http.Handle("/metrics", promhttp.Handler())
			slog.Info("prometheus metrics server started", "address", listener.Addr().String())
			if err := http.Serve(listener, nil); err != nil {
				slog.Error("prometheus metrics server stopped", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
	defer stop()

	adapter, err := rawlink.Open(ifaceName)
	if err != nil {
		slog.Error("failed to open interface", "interface", ifaceName, "error", err)
		os.Exit(1)
	}
	defer adapter.Close()

	var stack *daemon.Stack
	if *socketDir != "" {
		stack, err = daemon.NewWithSocketDir(adapter, ifaceAddr, netmask, *socketDir)
	} else {
		stack, err = daemon.New(adapter, ifaceAddr, netmask)
	}
	if err != nil {
		slog.Error("failed to configure stack", "error", err)
		os.Exit(1)
	}

	for _, b := range binds {
		if err := stack.Bind(b.transport, b.addr); err != nil {
			slog.Error("failed to bind socket", "proto", b.transport, "addr", b.addr.String(), "error", err)
			os.Exit(1)
		}
		slog.Info("socket bound", "proto", b.transport, "addr", b.addr.String())
	}

	slog.Info("nstack daemon starting", "interface", ifaceName, "addr", *ifaceAddrFlag)
	if err := stack.Run(ctx); err != nil {
		slog.Error("daemon stopped with error", "error", err)
		os.Exit(1)
	}
}

func parseIPv4(s string) (addr.IPv4, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("not an IPv4 address: %q", s)
	}
	return addr.IPv4FromNetIP(ip)
}
