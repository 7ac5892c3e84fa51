package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-chat-realtime/internal/config"
	httpapi "github.com/tbourn/go-chat-realtime/internal/http"
	"github.com/tbourn/go-chat-realtime/internal/http/handlers"
	"github.com/tbourn/go-chat-realtime/internal/observability"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Port string
	Peer string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge HTTP server",
		Long: `Connect to the chat backend as USER_ID and serve the session to a local UI.

The live channel reconnects with exponential backoff; once attempts are
exhausted the bridge keeps serving and falls back to polling presence.

Example:
  USER_ID=u-42 BACKEND_URL=http://localhost:4000 chatd serve
  chatd serve --port 9000 --peer u-7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, lg, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if opts.Port != "" {
				cfg.Port = opts.Port
			}
			return runServe(cmd.Context(), cfg, opts, lg)
		},
	}

	cmd.Flags().StringVar(&opts.Port, "port", "", "listen port (overrides PORT)")
	cmd.Flags().StringVar(&opts.Peer, "peer", "", "conversation to open at startup")

	return cmd
}

func runServe(ctx context.Context, cfg config.Config, opts *ServeOptions, lg zerolog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	shutdownOTel, err := observability.Setup(ctx, cfg.OTEL, observability.Identity{
		Version:    resolveVersion(opts.Version),
		UserID:     cfg.Backend.UserID,
		BackendURL: cfg.Backend.URL,
	})
	if err != nil {
		return WrapExitError(ExitConfigError, "tracing setup failed", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			lg.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	b, err := newBridge(cfg, lg)
	if err != nil {
		return WrapExitError(ExitFailure, "start session", err)
	}

	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		b.closeCache()
		return WrapExitError(ExitFailure, "listen", err)
	}
	srv := newServer(cfg, b)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.start(runCtx)

	if opts.Peer != "" {
		go func() {
			if _, err := b.sess.OpenConversation(runCtx, opts.Peer); err != nil {
				lg.Warn().Err(err).Str("peer_id", opts.Peer).Msg("initial conversation load failed")
			}
		}()
	}

	errc := make(chan error, 1)
	go func() {
		lg.Info().
			Str("addr", ln.Addr().String()).
			Str("base_path", cfg.APIBasePath).
			Str("user_id", cfg.Backend.UserID).
			Msg("bridge listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		lg.Info().Msg("shutting down")
	case serveErr = <-errc:
	}

	// session first: closing the bus ends open event streams so Shutdown
	// does not wait on them
	cancel()
	b.stop()

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		lg.Warn().Err(err).Msg("http shutdown")
	}

	if serveErr != nil {
		return WrapExitError(ExitFailure, "serve", serveErr)
	}
	return nil
}

// newServer builds the bridge http.Server. There is no write timeout: the
// event stream is long-lived.
func newServer(cfg config.Config, b *bridge) *http.Server {
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}
	r := gin.New()
	h := handlers.New(b.sess)
	if b.cache != nil {
		h.Cache = b.cache
	}
	httpapi.RegisterRoutes(r, h, cfg)

	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
}
