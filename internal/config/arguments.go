package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/tkjaer/pong/internal/version"
)

type Args struct {
	Destination string
	Count       uint // 0 means until interrupted
	NoResolve   bool
	NoWarmup    bool
	Async       bool

	// Target
	ForceIPv4 bool
	ForceIPv6 bool
	Port      uint
	Method    string

	// Timing
	Interval time.Duration
	Timeout  time.Duration

	// Wire timestamps
	Capture    bool
	SourcePort uint // first local port rotated through in capture mode

	// Output
	Json        bool   // output json to stdout
	JsonFile    string // output json to file while printing text
	MetricsAddr string // serve prometheus metrics, empty disables

	// Logging
	Log      string // log file path, empty means stderr
	LogLevel string // log level: debug, info, warn, error
}

func ParseArgs() (Args, error) {
	var args Args
	var showVersion bool

	flag.Usage = func() {
		println("pong - rejected-connection latency estimator")
		println()
		println("Measures round trip time to a host by timing how long it takes to")
		println("refuse a TCP connection to an unbound port. No ICMP needed.")
		println()
		println("Usage:")
		println("  pong [OPTIONS] DESTINATION")
		println()
		println("Examples:")
		println("  pong <destination>                    # Ping until interrupted")
		println("  pong -c 5 -J <destination>            # 5 samples, JSON to stdout")
		println("  pong --capture <destination>          # Wire timestamps (needs pcap privileges)")
		println("  pong --metrics-addr :9101 <dest>      # Expose Prometheus metrics")
		println()
		println("Options:")
		flag.PrintDefaults()
		println()
		println("Documentation: https://github.com/tkjaer/pong")
	}

	flag.BoolVarP(&showVersion, "version", "v", false, "Show version information")
	flag.BoolVarP(&args.ForceIPv4, "ipv4", "4", false, "Force IPv4")
	flag.BoolVarP(&args.ForceIPv6, "ipv6", "6", false, "Force IPv6")
	flag.UintVarP(&args.Port, "port", "p", 65000, "Destination port, should be closed on the target")
	flag.StringVarP(&args.Method, "method", "m", "HEAD", "Request method sent if the port unexpectedly accepts")

	flag.UintVarP(&args.Count, "count", "c", 0, "Number of samples (0 = until interrupted)")
	flag.DurationVarP(&args.Interval, "interval", "i", time.Second, "Delay between samples")
	flag.DurationVarP(&args.Timeout, "timeout", "t", 5*time.Second, "Per sample timeout")
	flag.BoolVar(&args.NoWarmup, "no-warmup", false, "Do not send the discarded warm-up attempt")
	flag.BoolVar(&args.Async, "async", false, "Run exchanges asynchronously")
	flag.BoolVarP(&args.NoResolve, "no-resolve", "n", false, "Do not resolve the destination address to a hostname")

	flag.BoolVar(&args.Capture, "capture", false, "Use packet capture timestamps instead of socket timestamps")
	flag.UintVarP(&args.SourcePort, "source-port", "s", 50000, "Base source port in capture mode")

	flag.StringVarP(&args.JsonFile, "json-file", "j", "", "Write JSON output to file (keeps text output)")
	flag.BoolVarP(&args.Json, "json", "J", false, "Write JSON output to stdout (disables text output)")
	flag.StringVar(&args.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9101)")
	flag.StringVarP(&args.Log, "log", "l", "", "Diagnostic log file (empty = stderr)")
	flag.StringVar(&args.LogLevel, "log-level", "error", "Log level: debug, info, warn, error")
	flag.Parse()

	if showVersion {
		fmt.Println(version.FullVersion())
		os.Exit(0)
	}

	args.Destination = flag.Arg(0)
	if args.Destination == "" {
		return args, errors.New("destination is required")
	}

	switch {
	case args.Json && args.JsonFile != "":
		return args, errors.New("cannot use both --json and --json-file")
	case args.ForceIPv6 && args.ForceIPv4:
		return args, errors.New("cannot force both IPv4 and IPv6")
	case args.Port == 0 || args.Port > 65535:
		return args, errors.New("port must be between 1 and 65535")
	case args.Method == "":
		return args, errors.New("method must not be empty")
	case args.Timeout <= 0:
		return args, errors.New("timeout must be positive")
	case args.Interval <= 0:
		return args, errors.New("interval must be positive")
	case args.Capture && (args.SourcePort == 0 || args.SourcePort+16 > 65536):
		return args, errors.New("source port must be between 1 and 65520")
	}

	return args, nil
}

// Network returns the dial network honoring -4/-6
func (a Args) Network() string {
	switch {
	case a.ForceIPv4:
		return "tcp4"
	case a.ForceIPv6:
		return "tcp6"
	}
	return "tcp"
}
