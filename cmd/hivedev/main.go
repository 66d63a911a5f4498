// The hivedev command serves the simulation API on a local port without docker.
// It is meant for developing simulators: clients are not started, but every client
// request is answered with an address, so suite structure, test naming and test
// selection can be checked against a real API. Use --endpoint to point a client type
// at a node running on the host.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/portal-hive/internal/fakes"
	"github.com/ethereum/portal-hive/internal/libhive"
	"github.com/ethereum/portal-hive/internal/simconfig"
	"github.com/spf13/cobra"
	"gopkg.in/inconshreveable/log15.v2"
)

type options struct {
	addr         string
	clients      string
	logLevel     int
	limit        int
	startTimeout time.Duration
	endpoints    map[string]string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opt options
	cmd := &cobra.Command{
		Use:   "hivedev",
		Short: "Serve the hive simulation API for local simulator development",
		Long: `hivedev runs the hive simulation API with a backend that does not start containers.
Point a simulator at it by setting HIVE_SIMULATOR to the printed address.
When interrupted, open tests are ended and a summary of all results is printed.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			simconfig.SetupLogging(cmd.ErrOrStderr(), opt.logLevel)
			return serve(ctx, opt, cmd.OutOrStdout(), nil)
		},
	}
	cmd.Flags().StringVar(&opt.addr, "addr", "127.0.0.1:3000", "HTTP server listen address")
	cmd.Flags().StringVar(&opt.clients, "clients", "clients.yaml", "YAML file listing the available client types")
	cmd.Flags().IntVar(&opt.logLevel, "loglevel", 3, "Log level for hivedev and clients, 0 (crit) to 5 (trace)")
	cmd.Flags().IntVar(&opt.limit, "limit", 0, "Maximum number of tests per run (0 = no limit)")
	cmd.Flags().DurationVar(&opt.startTimeout, "client.timeout", 3*time.Minute, "Time limit for starting a client")
	cmd.Flags().StringToStringVar(&opt.endpoints, "endpoint", nil, "Fixed IP for clients of an image, e.g. trin=127.0.0.1")
	return cmd
}

// serve runs the API until ctx is done. The ready callback, if set, receives the
// listener address once the server accepts connections.
func serve(ctx context.Context, opt options, out io.Writer, ready func(net.Addr)) error {
	clients, err := libhive.LoadInventory(opt.clients)
	if err != nil {
		return err
	}
	if len(clients) == 0 {
		return fmt.Errorf("no clients defined in %s", opt.clients)
	}
	env := libhive.SimEnv{
		SimLogLevel:        opt.logLevel,
		ClientStartTimeout: opt.startTimeout,
		TestLimit:          opt.limit,
	}
	tm, err := libhive.NewTestManager(env, newBackend(opt.endpoints), clients)
	if err != nil {
		return err
	}

	l, err := net.Listen("tcp", opt.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: tm.API(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()
	log15.Info("serving simulation API", "addr", "http://"+l.Addr().String(), "clients", len(clients))
	if ready != nil {
		ready(l.Addr())
	}

	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	stopServer(srv, 5*time.Second)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	if err := tm.Terminate(); err != nil {
		log15.Error("could not end open tests", "err", err)
	}
	libhive.WriteSummary(out, tm.Results())
	return nil
}

// stopServer shuts srv down, waiting up to timeout for open requests.
func stopServer(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	if err != nil {
		log15.Warn("API server shutdown incomplete", "err", err)
	}
	return err
}

// newBackend creates the fake container backend. Clients of images listed in
// endpoints get the configured IP instead of a generated one.
func newBackend(endpoints map[string]string) libhive.ContainerBackend {
	hooks := &fakes.BackendHooks{
		StartContainer: func(image, containerID string, opt libhive.ContainerOptions) (*libhive.ContainerInfo, error) {
			log15.Debug("client requested", "image", image, "container", containerID[:8], "env", len(opt.Env), "files", len(opt.Files))
			if ip, ok := endpoints[image]; ok {
				if net.ParseIP(ip) == nil {
					return nil, fmt.Errorf("invalid endpoint IP %q for %s", ip, image)
				}
				return &libhive.ContainerInfo{IP: ip}, nil
			}
			return nil, nil
		},
	}
	return fakes.NewContainerBackend(hooks)
}
