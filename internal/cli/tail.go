package cli

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-chat-realtime/internal/config"
	"github.com/tbourn/go-chat-realtime/internal/session"
)

// TailOptions holds flags for the tail command.
type TailOptions struct {
	*RootOptions
	Peer  string
	Types []string
	Count int
}

// NewTailCommand creates the tail command.
func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TailOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print session notifications as JSON lines",
		Long: `Connect as USER_ID and print every session notification on stdout, one
JSON object per line. Logs go to stderr.

Example:
  chatd tail --peer u-7
  chatd tail --type presence,connection --count 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, lg, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return runTail(cmd.Context(), cfg, opts, lg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Peer, "peer", "", "open the conversation with this user")
	cmd.Flags().StringSliceVar(&opts.Types, "type", nil, "only print these notification types")
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 0, "exit after printing this many notifications (0 = unlimited)")

	return cmd
}

func runTail(ctx context.Context, cfg config.Config, opts *TailOptions, lg zerolog.Logger, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// cached state is only interesting to the bridge
	cfg.Cache.Enabled = false

	b, err := newBridge(cfg, lg)
	if err != nil {
		return WrapExitError(ExitFailure, "start session", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	notes, unsubscribe := b.sess.Subscribe(256)
	defer unsubscribe()
	b.start(runCtx)
	defer func() {
		cancel()
		b.stop()
	}()

	if opts.Peer != "" {
		if _, err := b.sess.OpenConversation(runCtx, opts.Peer); err != nil {
			lg.Warn().Err(err).Str("peer_id", opts.Peer).Msg("conversation load failed")
		}
	}

	want := make(map[session.NotificationType]bool, len(opts.Types))
	for _, t := range opts.Types {
		if t = strings.TrimSpace(t); t != "" {
			want[session.NotificationType(t)] = true
		}
	}

	enc := json.NewEncoder(out)
	printed := 0
	emit := func(n session.Notification) (done bool, err error) {
		if len(want) > 0 && !want[n.Type] {
			return false, nil
		}
		if err := enc.Encode(n); err != nil {
			return true, WrapExitError(ExitFailure, "write", err)
		}
		printed++
		return opts.Count > 0 && printed >= opts.Count, nil
	}

	stopped := b.stopped
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, open := <-notes:
			if !open {
				return nil
			}
			if done, err := emit(n); done {
				return err
			}
		case <-stopped:
			lost, runErr := b.result()
			if lost && cfg.Backend.PresencePollInterval > 0 {
				// polling keeps presence flowing
				stopped = nil
				continue
			}
			for drained := false; !drained; {
				select {
				case n := <-notes:
					if done, err := emit(n); done {
						return err
					}
				default:
					drained = true
				}
			}
			if lost {
				return WrapExitError(ExitNotConnected, "live channel lost", runErr)
			}
			return runErr
		}
	}
}
