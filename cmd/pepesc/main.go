// Command pepesc runs one endpoint of a performance-enhancing proxy pair:
// a transparent TCP intercept on one side of a lossy link, tunneled to a
// peer pepesc process over a FEC-coded UDP channel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yeliqseu/pepesc/internal/pkg/config"
	"github.com/yeliqseu/pepesc/internal/pkg/tpu"
	"github.com/yeliqseu/pepesc/internal/pkg/tunnel"
)

// Version is inserted at build using --ldflags -X.
var Version = "(unknown version)"

func main() {
	flags := config.Flags{BwEstMethod: config.BwEstJersey}

	cmd := &cobra.Command{
		Use:           "pepesc",
		Short:         "pepesc",
		Long:          "pepesc - a performance-enhancing proxy endpoint for lossy, high-latency links",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	var bwEstMethod string
	cmd.Flags().StringVar(&flags.SelfIP, "selfIp", "", "local tunnel-facing IP address (required)")
	cmd.Flags().IntVar(&flags.SelfPort, "selfPort", 0, "local tunnel-facing UDP port (required)")
	cmd.Flags().StringVar(&flags.PeerIP, "peerIp", "", "peer pepesc's IP address (required)")
	cmd.Flags().IntVar(&flags.PeerPort, "peerPort", 0, "peer pepesc's UDP port (required)")
	cmd.Flags().StringVar(&bwEstMethod, "bwEstMethod", string(config.BwEstJersey), "bandwidth estimator: Jersey or BBR")
	cmd.Flags().BoolVar(&flags.DeactivateProbeBw, "deactivateProbeBw", false, "disable the active bandwidth probe")
	cmd.Flags().Float64Var(&flags.MaxBwMbps, "maxBw", 0, "cap on estimated bandwidth, in Mbps (0 = unset)")
	cmd.Flags().Float64Var(&flags.ConstBwMbps, "ConstBw", 0, "constant send rate, in Mbps, disables dynamic estimation (0 = unset)")
	cmd.Flags().BoolVarP(&flags.Detail, "detail", "d", false, "print periodic detailed statistics")
	cmd.Flags().StringVarP(&flags.LogLevel, "log-level", "l", "INFO", "log level: INFO, WARNING, ERROR, or DEBUG")

	cmd.RunE = func(_ *cobra.Command, _ []string) error {
		flags.BwEstMethod = config.BwEstMethod(bwEstMethod)
		if flags.SelfIP == "" || flags.SelfPort == 0 || flags.PeerIP == "" || flags.PeerPort == 0 {
			return errors.New("--selfIp, --selfPort, --peerIp, and --peerPort are all required")
		}
		return run(flags)
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(flags config.Flags) error {
	ctx := makeBaseContext(flags.LogLevel)
	dlog.Infof(ctx, "pepesc %s [pid %d] starting, self %s:%d peer %s:%d",
		Version, os.Getpid(), flags.SelfIP, flags.SelfPort, flags.PeerIP, flags.PeerPort)

	if err := tpu.RaiseFileLimit(ctx); err != nil {
		dlog.Warnf(ctx, "raise rlimit: %v", err)
	}

	tun, err := config.LoadTunables(ctx)
	if err != nil {
		return errors.Wrap(err, "load tunables")
	}

	t, err := tunnel.New(flags, tun, time.Now())
	if err != nil {
		return errors.Wrap(err, "open tunnel")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			dlog.Infof(ctx, "received %v, shutting down", sig)
			t.RequestShutdown()
		case <-ctx.Done():
		}
	}()

	runErr := t.Run(ctx)
	signal.Stop(sigs)

	if runErr != nil {
		return errors.Wrap(runErr, "tunnel run")
	}
	if flags.Detail && t.HandshakeExhausted() {
		return errors.New("handshake exhausted: peer never responded")
	}
	return nil
}

func makeBaseContext(level string) context.Context {
	logrusLogger := logrus.New()
	logrusLogger.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000",
		FullTimestamp:   true,
	})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logrusLogger.SetLevel(parsed)

	logger := dlog.WrapLogrus(logrusLogger)
	dlog.SetFallbackLogger(logger)
	return dlog.WithLogger(context.Background(), logger)
}
