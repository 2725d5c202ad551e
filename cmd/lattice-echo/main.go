// Command lattice-echo runs the LATTICE echo responder: a stateless
// authenticated UDP echo with per-source rate limiting.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lattice-probe/lattice/pkg/echo"
	"github.com/lattice-probe/lattice/pkg/lattice"
	"github.com/lattice-probe/lattice/pkg/wire"
	"github.com/spf13/pflag"
)

var opt struct {
	Addr      string
	Refill    float64
	Burst     float64
	BucketTTL time.Duration
	Metrics   string
	Help      bool
}

func init() {
	pflag.StringVarP(&opt.Addr, "listen", "a", "", "UDP listen address (overrides LATTICE_ADDR_UDP)")
	pflag.Float64Var(&opt.Refill, "refill", 0, "Per-source token refill rate per second (default 30)")
	pflag.Float64Var(&opt.Burst, "burst", 0, "Per-source token bucket capacity (default 60)")
	pflag.DurationVar(&opt.BucketTTL, "bucket-ttl", 0, "Idle time before a source's bucket is dropped (default 2m)")
	pflag.StringVar(&opt.Metrics, "metrics", "", "HTTP address to serve /metrics on")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 0 || opt.Help {
		fmt.Printf("usage: %s [options]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var c lattice.Config
	if err := c.UnmarshalEnv(os.Environ(), false); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}
	logger, err := c.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	secret, err := wire.SecretFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	addr := c.AddrUDP
	if opt.Addr != "" {
		if v, err := netip.ParseAddrPort(opt.Addr); err == nil {
			addr = v
		} else if v, err1 := netip.ParseAddrPort("[::]" + opt.Addr); opt.Addr[0] == ':' && err1 == nil {
			addr = v
		} else {
			fmt.Fprintf(os.Stderr, "error: invalid listen address: %v\n", err)
			os.Exit(2)
		}
	}

	r := &echo.Responder{
		Logger:       logger.With().Str("component", "echo").Logger(),
		Secret:       secret,
		RefillPerSec: opt.Refill,
		Burst:        opt.Burst,
		BucketTTL:    opt.BucketTTL,
	}

	if opt.Metrics != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, req *http.Request) {
			r.WritePrometheus(w)
		})
		go func() {
			if err := http.ListenAndServe(opt.Metrics, mux); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to start metrics server: %v\n", err)
			}
		}()
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		r.Close()
	}()

	if err := r.ListenAndServe(addr); err != nil && !errors.Is(err, echo.ErrResponderClosed) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
