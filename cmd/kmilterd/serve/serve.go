/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Include pprof for debugging, its only enabled when --with-pprof is given.
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	systemDaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/kmilterd/cmd/kmilterd/common"
	"stash.kopano.io/kgol/kmilterd/filter"
	"stash.kopano.io/kgol/kmilterd/internal/ipc"
	"stash.kopano.io/kgol/kmilterd/milter"
	"stash.kopano.io/kgol/kmilterd/server"
	"stash.kopano.io/kgol/kmilterd/version"
)

// Default param values used by this command.
var (
	DefaultLogTimestamp       = true
	DefaultLogLevel           = "info"
	DefaultSystemdNotify      = false
	DefaultListen             = "inet:127.0.0.1:10027"
	DefaultMode               = server.DefaultMode
	DefaultBacklog            = server.DefaultBacklog
	DefaultSocketMode         = "0666"
	DefaultConnTimeout        = time.Duration(0)
	DefaultMaxFrameSize       = milter.DefaultMaxFrameSize
	DefaultMetricsListenAddr  = ""
	DefaultStatePath          = os.Getenv("KMILTERD_DEFAULT_STATE_PATH")
	DefaultHeaderName         = filter.DefaultHeaderName
	DefaultHeaderValue        = ""
	DefaultRejectDomains      = []string{}
	DefaultDNSBLZones         = []string{}
	DefaultNameservers        = []string{}
	DefaultDNSBLLookupTimeout = filter.DefaultLookupTimeout
	DefaultWithPprof          = false
	DefaultPprofListenAddr    = "127.0.0.1:6060"
)

func init() {
	envDefaultListen := os.Getenv("KMILTERD_DEFAULT_LISTEN")
	if envDefaultListen != "" {
		DefaultListen = envDefaultListen
	}

	envDefaultMode := os.Getenv("KMILTERD_DEFAULT_MODE")
	if envDefaultMode != "" {
		DefaultMode = envDefaultMode
	}

	envDefaultMetricsListenAddr := os.Getenv("KMILTERD_DEFAULT_METRICS_LISTEN")
	if envDefaultMetricsListenAddr != "" {
		DefaultMetricsListenAddr = envDefaultMetricsListenAddr
	}

	if DefaultStatePath == "" {
		DefaultStatePath, _ = os.Getwd()
	}
}

func CommandServe() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve [...args]",
		Short: "Start service",
		Run: func(cmd *cobra.Command, args []string) {
			if err := serve(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				var exitCodeErr *ErrorWithExitCode
				if errors.As(err, &exitCodeErr) {
					os.Exit(exitCodeErr.Code)
				} else {
					os.Exit(1)
				}
			}
		},
	}

	serveCmd.Flags().BoolVar(&DefaultLogTimestamp, "log-timestamp", DefaultLogTimestamp, "Prefix each log line with timestamp")
	serveCmd.Flags().StringVar(&DefaultLogLevel, "log-level", DefaultLogLevel, "Log level (one of panic, fatal, error, warn, info or debug)")
	serveCmd.Flags().BoolVar(&DefaultSystemdNotify, "systemd-notify", DefaultSystemdNotify, "Enable systemd sd_notify callback")
	serveCmd.Flags().StringVar(&DefaultListen, "listen", DefaultListen, "Milter socket (inet:HOST:PORT, inet6:HOST:PORT, unix:PATH or systemd)")
	serveCmd.Flags().StringVar(&DefaultMode, "mode", DefaultMode, "Connection handling mode (one of thread, reactor or process)")
	serveCmd.Flags().IntVar(&DefaultBacklog, "backlog", DefaultBacklog, "Listen backlog")
	serveCmd.Flags().StringVar(&DefaultSocketMode, "socket-mode", DefaultSocketMode, "Octal permissions of the UNIX milter socket")
	serveCmd.Flags().DurationVar(&DefaultConnTimeout, "conn-timeout", DefaultConnTimeout, "Idle timeout of MTA connections (0 selects the mode default)")
	serveCmd.Flags().Uint32Var(&DefaultMaxFrameSize, "max-frame-size", DefaultMaxFrameSize, "Largest accepted milter frame in bytes")
	serveCmd.Flags().StringVar(&DefaultMetricsListenAddr, "metrics-listen", DefaultMetricsListenAddr, "TCP listen address for prometheus metrics")
	serveCmd.Flags().StringVar(&DefaultStatePath, "state-path", DefaultStatePath, "Full path to writable state directory")
	serveCmd.Flags().StringVar(&DefaultHeaderName, "header-name", DefaultHeaderName, "Name of the header added to accepted messages")
	serveCmd.Flags().StringVar(&DefaultHeaderValue, "header-value", DefaultHeaderValue, "Value of the header added to accepted messages, empty disables the header")
	serveCmd.Flags().StringArrayVar(&DefaultRejectDomains, "reject-domain", DefaultRejectDomains, "Recipient domain to reject, multiple allowed")
	serveCmd.Flags().StringArrayVar(&DefaultDNSBLZones, "dnsbl-zone", DefaultDNSBLZones, "DNS block list zone to check clients against, multiple allowed")
	serveCmd.Flags().StringArrayVar(&DefaultNameservers, "nameserver", DefaultNameservers, "Nameserver (HOST:PORT) for block list lookups, multiple allowed (default from /etc/resolv.conf)")
	serveCmd.Flags().DurationVar(&DefaultDNSBLLookupTimeout, "dnsbl-timeout", DefaultDNSBLLookupTimeout, "Timeout of block list lookups")
	serveCmd.Flags().BoolVar(&DefaultWithPprof, "with-pprof", DefaultWithPprof, "With pprof enabled")
	serveCmd.Flags().StringVar(&DefaultPprofListenAddr, "pprof-listen", DefaultPprofListenAddr, "TCP listen address for pprof")

	return serveCmd
}

func serve(cmd *cobra.Command, args []string) error {
	bs := &bootstrap{}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		bs.Wait()
	}()

	err := bs.configure(ctx, cmd, args)
	if err != nil {
		return StartupError(err)
	}

	return bs.srv.Serve(ctx)
}

type bootstrap struct {
	sync.WaitGroup

	logger logrus.FieldLogger

	srv *server.Server
}

func (bs *bootstrap) configure(ctx context.Context, cmd *cobra.Command, args []string) error {
	if err := common.ApplyFlagsFromEnvFile(cmd, nil); err != nil {
		return err
	}

	logger, err := newLogger(!DefaultLogTimestamp, DefaultLogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	bs.logger = logger

	// Connection children share the command line, keep them apart in logs.
	isChild := server.IsChild()
	if isChild {
		bs.logger = logger.WithField("child", true)
	}

	bs.logger.WithField("version", version.Version).Debugln("serve start")

	socketMode, err := strconv.ParseUint(DefaultSocketMode, 8, 32)
	if err != nil {
		return fmt.Errorf("invalid socket-mode: %w", err)
	}

	f, err := filter.New(&filter.Config{
		Logger: bs.logger,

		HeaderName:  DefaultHeaderName,
		HeaderValue: DefaultHeaderValue,

		RejectDomains: DefaultRejectDomains,

		DNSBLZones:    DefaultDNSBLZones,
		Nameservers:   DefaultNameservers,
		LookupTimeout: DefaultDNSBLLookupTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create filter: %w", err)
	}

	var withStatus bool

	cfg := &server.Config{
		Logger: bs.logger,

		OnReady: func(srv *server.Server) {
			if DefaultSystemdNotify {
				ok, notifyErr := systemDaemon.SdNotify(false, systemDaemon.SdNotifyReady)
				logger.WithField("ok", ok).Debugln("called systemd sd_notify ready")
				if notifyErr != nil {
					logger.WithError(notifyErr).Errorln("failed to trigger systemd sd_notify")
				}
			}
		},

		Filter: f,

		ListenEndpoint: DefaultListen,
		Mode:           DefaultMode,
		Backlog:        DefaultBacklog,
		SocketMode:     os.FileMode(socketMode),
		ConnTimeout:    DefaultConnTimeout,
		MaxFrameSize:   DefaultMaxFrameSize,

		MetricsListenAddress: DefaultMetricsListenAddr,
	}

	if !isChild {
		if DefaultStatePath == "" {
			return fmt.Errorf("state-path must not be empty")
		}
		if info, statErr := os.Stat(DefaultStatePath); statErr != nil || !info.IsDir() {
			return fmt.Errorf("state-path error or not a directory: %w", statErr)
		}
		statePath, absErr := filepath.Abs(DefaultStatePath)
		if absErr != nil {
			return fmt.Errorf("state-path invalid: %w", absErr)
		}

		ipc.MustInitializeStatusSHM(statePath, "")

		cfg.OnStatus = func(srv *server.Server) {
			if !withStatus {
				withStatus = true
				bs.Add(1)
				go func() {
					defer bs.Done()
					<-ctx.Done()
					statusErr := clearStatus()
					if statusErr != nil {
						logger.WithError(statusErr).Errorln("failed to clear status")
					}
				}()
			}

			onStatus(srv)
		}
	}

	bs.srv, err = server.NewServer(cfg)
	if err != nil {
		return err
	}

	// Profiling support.
	withPprof, _ := cmd.Flags().GetBool("with-pprof")
	pprofListenAddr, _ := cmd.Flags().GetString("pprof-listen")
	if withPprof && pprofListenAddr != "" && !isChild {
		runtime.SetMutexProfileFraction(5)
		go func() {
			pprofListen := pprofListenAddr
			logger.WithField("listenAddr", pprofListen).Infoln("pprof enabled, starting listener")
			if listenErr := http.ListenAndServe(pprofListen, nil); listenErr != nil {
				logger.WithError(listenErr).Errorln("unable to start pprof listener")
			}
		}()
	}

	return nil
}
