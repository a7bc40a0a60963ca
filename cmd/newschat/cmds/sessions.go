package cmds

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/newschat/pkg/chat"
	"github.com/go-go-golems/newschat/pkg/statestore"
	"github.com/go-go-golems/newschat/pkg/transport/rest"
)

// NewSessionsCommand manages sessions over the request transport without entering the chat.
func NewSessionsCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "sessions",
		Short: "List and manage chat sessions",
	}
	var idemKey string
	root.PersistentFlags().StringVar(&idemKey, "idempotency-key", "",
		"Key sent with create/rename/delete; rerunning with the same key replays the first answer")
	mutation := func(cmd *cobra.Command) context.Context {
		if idemKey == "" {
			return cmd.Context()
		}
		return rest.WithIdempotencyKey(cmd.Context(), idemKey)
	}

	var asYAML bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			coord, err := requestCoordinator(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = coord.Close() }()
			coord.RefreshSessions(cmd.Context())
			v := coord.View()
			if asYAML {
				return writeSessionsYAML(cmd, v.Sessions)
			}
			newRenderer(cmd.OutOrStdout()).sessions(v)
			return nil
		},
	}
	list.Flags().BoolVar(&asYAML, "yaml", false, "Print sessions as YAML")

	create := &cobra.Command{
		Use:   "create [title]",
		Short: "Create a session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, err := requestCoordinator(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = coord.Close() }()
			title := ""
			if len(args) == 1 {
				title = args[0]
			}
			s, err := coord.CreateSession(mutation(cmd), title)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.ID, s.Title)
			return err
		},
	}

	rename := &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, err := requestCoordinator(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = coord.Close() }()
			outcome, err := coord.RenameSession(mutation(cmd), args[0], args[1])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "renamed %s (%s)\n", args[0], outcome)
			return err
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, err := requestCoordinator(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = coord.Close() }()
			if err := coord.DeleteSession(mutation(cmd), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return err
		},
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print the history of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, err := requestCoordinator(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = coord.Close() }()
			coord.RefreshSessions(cmd.Context())
			if err := coord.SelectSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			newRenderer(cmd.OutOrStdout()).conversation(coord.View())
			return nil
		},
	}

	root.AddCommand(list, create, rename, del, show)
	return root
}

// requestCoordinator builds a coordinator that only uses HTTP and keeps its state in memory.
func requestCoordinator(cmd *cobra.Command) (*chat.Coordinator, error) {
	s, err := settingsFrom(cmd.Context())
	if err != nil {
		return nil, err
	}
	rc, err := newRESTClient(s)
	if err != nil {
		return nil, err
	}
	return chat.NewCoordinator(rc, chat.WithStateStore(statestore.NewMemoryStore()))
}

type sessionRow struct {
	ID           string    `yaml:"id"`
	Title        string    `yaml:"title"`
	MessageCount int       `yaml:"message_count"`
	LastActivity time.Time `yaml:"last_activity"`
}

func writeSessionsYAML(cmd *cobra.Command, sessions []chat.Session) error {
	rows := make([]sessionRow, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, sessionRow{ID: s.ID, Title: s.Title, MessageCount: s.MessageCount, LastActivity: s.LastActivity.UTC()})
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(rows); err != nil {
		return err
	}
	return enc.Close()
}
