package cmds

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/newschat/pkg/devserver"
)

func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reference chat backend (HTTP API and websocket push channel)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := settingsFrom(cmd.Context())
			if err != nil {
				return err
			}
			bus, err := devserver.NewBus(devserver.RedisSettings{
				Enabled:  s.RedisEnabled,
				Addr:     s.RedisAddr,
				Group:    s.RedisGroup,
				Consumer: s.RedisConsumer,
			})
			if err != nil {
				return err
			}
			dev := devserver.NewServer(devserver.WithBus(bus), devserver.WithChunkDelay(s.ChunkDelay))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := &http.Server{
				Addr:              s.Addr,
				Handler:           dev.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			eg, egCtx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				<-egCtx.Done()
				log.Info().Msg("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				// close streams and websocket peers first so Shutdown does not wait on them
				if err := dev.Close(); err != nil {
					log.Error().Err(err).Msg("dev server close error")
				}
				if err := server.Shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("server shutdown error")
					return err
				}
				log.Info().Msg("server shutdown complete")
				return nil
			})
			eg.Go(func() error {
				log.Info().Str("addr", s.Addr).Bool("redis", s.RedisEnabled).Msg("starting newschat dev server")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("server listen error")
					return err
				}
				return nil
			})
			return eg.Wait()
		},
	}
}
