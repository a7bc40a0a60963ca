// Package cmds holds the cobra commands of the newschat binary.
package cmds

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/newschat/pkg/config"
	"github.com/go-go-golems/newschat/pkg/statestore"
	"github.com/go-go-golems/newschat/pkg/transport/push"
	"github.com/go-go-golems/newschat/pkg/transport/rest"
)

type settingsKey struct{}

// WithSettings stores the resolved settings on the command context.
func WithSettings(ctx context.Context, s config.Settings) context.Context {
	return context.WithValue(ctx, settingsKey{}, s)
}

func settingsFrom(ctx context.Context) (config.Settings, error) {
	s, ok := ctx.Value(settingsKey{}).(config.Settings)
	if !ok {
		return config.Settings{}, errors.New("settings were not loaded")
	}
	return s, nil
}

func newRESTClient(s config.Settings) (*rest.Client, error) {
	return rest.NewClient(s.ServerURL)
}

func newPushClient(s config.Settings) (*push.Client, error) {
	wsURL, err := s.WebSocketURL()
	if err != nil {
		return nil, err
	}
	opts := []push.Option{push.WithReconnect(s.ReconnectAttempts, s.ReconnectDelay)}
	if s.ClientID != "" {
		h := http.Header{}
		h.Set("X-Client-Id", s.ClientID)
		opts = append(opts, push.WithHeader(h))
	}
	return push.NewClient(wsURL, opts...), nil
}

func openStateStore(s config.Settings) (statestore.Store, error) {
	if s.StateStore != statestore.KindMemory && s.StatePath != "" {
		if err := os.MkdirAll(filepath.Dir(s.StatePath), 0o755); err != nil {
			return nil, errors.Wrap(err, "create state directory")
		}
	}
	store, err := statestore.Open(s.StateStore, s.StatePath)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("kind", s.StateStore).Str("path", s.StatePath).Msg("state store opened")
	return store, nil
}

// waitConnected gives the push channel a moment to come up so the first calls can use it.
func waitConnected(ctx context.Context, pc *push.Client, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if pc.Connected() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}
