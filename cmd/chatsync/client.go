package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/edgeee/chatsync/auth"
	"github.com/edgeee/chatsync/client"
	"github.com/edgeee/chatsync/events"
	"github.com/edgeee/chatsync/messaging"
	"github.com/edgeee/chatsync/telemetry"
)

// profile is the client state stored in ~/.chatsync/client.toml.
type profile struct {
	Server profileServer `toml:"server"`
	Auth   profileAuth   `toml:"auth"`
}

type profileServer struct {
	URL string `toml:"url"`
}

type profileAuth struct {
	Token     string `toml:"token"`
	UserID    string `toml:"user_id"`
	Name      string `toml:"name"`
	ExpiresAt string `toml:"expires_at"`
}

func profileDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create profile directory: %w", err)
	}
	return dir, nil
}

func loadProfile() (*profile, error) {
	dir, err := profileDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "client.toml"))
	if errors.Is(err, os.ErrNotExist) {
		return &profile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read profile: %w", err)
	}
	var p profile
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("cannot parse profile: %w", err)
	}
	return &p, nil
}

func saveProfile(p *profile) error {
	dir, err := profileDir()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(p)
	if err != nil {
		return fmt.Errorf("cannot encode profile: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "client.toml"), data, 0o600); err != nil {
		return fmt.Errorf("cannot write profile: %w", err)
	}
	return nil
}

// session is a logged in client ready to talk to the server.
type session struct {
	profile *profile
	rest    *client.Client
	conn    *client.Conn
	ctl     *client.Controller
	cache   client.Cache
}

func openSession(ctx context.Context, verbose bool) (*session, error) {
	p, err := loadProfile()
	if err != nil {
		return nil, err
	}
	if p.Auth.Token == "" || p.Server.URL == "" {
		return nil, errors.New("not logged in, run `chatsync client login` first")
	}

	level := "error"
	if verbose {
		level = "debug"
	}
	logger := telemetry.NewLogger(level, "text", os.Stderr)

	dir, err := profileDir()
	if err != nil {
		return nil, err
	}
	cache, err := client.OpenPebbleCache(filepath.Join(dir, "cache"))
	if err != nil {
		return nil, err
	}

	conn, err := client.Dial(ctx, client.ConnConfig{
		URL:           p.Server.URL,
		Token:         p.Auth.Token,
		UserID:        p.Auth.UserID,
		AutoReconnect: true,
		Logger:        logger,
	})
	if err != nil {
		cache.Close()
		return nil, err
	}

	rest := client.New(p.Server.URL, p.Auth.Token)
	ctl := client.NewController(p.Auth.UserID, rest, conn, client.WithCache(cache), client.WithLogger(logger))
	return &session{profile: p, rest: rest, conn: conn, ctl: ctl, cache: cache}, nil
}

func (s *session) Close() {
	s.conn.Close()
	s.cache.Close()
}

func newClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Chat from the terminal",
	}
	cmd.PersistentFlags().BoolP("verbose", "v", false, "log connection details")
	cmd.AddCommand(newLoginCmd(), newChatsCmd(), newOpenCmd(), newSendCmd(), newUsersCmd(), newGroupCmd())
	return cmd
}

func newLoginCmd() *cobra.Command {
	var (
		url, userID, name, secret string
		ttl                       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the server address and a signed token in the profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			if secret == "" {
				secret = os.Getenv("CHATSYNC_AUTH_JWT_SECRET")
			}
			if secret == "" {
				return errors.New("--secret or CHATSYNC_AUTH_JWT_SECRET is required")
			}
			token, err := auth.NewVerifier(secret).Issue(auth.Identity{UserID: userID, Name: name}, ttl)
			if err != nil {
				return err
			}

			expires := time.Now().Add(ttl)
			p := &profile{
				Server: profileServer{URL: url},
				Auth: profileAuth{
					Token:     token,
					UserID:    userID,
					Name:      name,
					ExpiresAt: expires.UTC().Format(time.RFC3339),
				},
			}
			if err := saveProfile(p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in to %s as %s, token expires %s\n", url, userID, humanize.Time(expires))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&secret, "secret", "", "token signing secret of the server")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newChatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List your chats",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProfile()
			if err != nil {
				return err
			}
			chats, err := client.New(p.Server.URL, p.Auth.Token).ListChats(cmd.Context())
			if err != nil {
				return errors.New(client.ErrorText(err))
			}
			out := cmd.OutOrStdout()
			for _, c := range chats {
				fmt.Fprintf(out, "%s  %-24s %s\n", c.ID, chatTitle(c, p.Auth.UserID), humanize.Time(c.UpdatedAt))
				if c.LatestMessage != nil {
					fmt.Fprintf(out, "    %s: %s\n", c.LatestMessage.SenderID, c.LatestMessage.Content)
				}
			}
			return nil
		},
	}
}

func newOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <chat-id>",
		Short: "Follow a chat and send each line typed on stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			verbose, _ := cmd.Flags().GetBool("verbose")

			s, err := openSession(ctx, verbose)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			if _, err := s.ctl.LoadChats(ctx); err != nil {
				fmt.Fprintf(out, "! %s\n", client.ErrorText(err))
			}
			if err := s.ctl.Open(ctx, args[0]); err != nil {
				return errors.New(client.ErrorText(err))
			}
			for _, e := range s.ctl.Timeline() {
				printEntry(out, e)
			}

			lines := make(chan string)
			go readLines(cmd.InOrStdin(), lines)

			for {
				select {
				case <-ctx.Done():
					return nil
				case env, ok := <-s.conn.Events():
					if !ok {
						return errors.New("connection closed")
					}
					s.ctl.HandleEvent(ctx, env)
					printEvent(out, s.ctl, env)
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					e, err := s.ctl.Send(ctx, client.SendInput{Content: line})
					if err != nil {
						fmt.Fprintf(out, "! %s\n", client.ErrorText(err))
						continue
					}
					printEntry(out, e)
				}
			}
		},
	}
}

func newSendCmd() *cobra.Command {
	var replyTo string
	cmd := &cobra.Command{
		Use:   "send <chat-id> <text>...",
		Short: "Send one message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			verbose, _ := cmd.Flags().GetBool("verbose")
			s, err := openSession(ctx, verbose)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.ctl.Open(ctx, args[0]); err != nil {
				return errors.New(client.ErrorText(err))
			}
			e, err := s.ctl.Send(ctx, client.SendInput{Content: strings.Join(args[1:], " "), ReplyTo: replyTo})
			if err != nil {
				return errors.New(client.ErrorText(err))
			}
			printEntry(cmd.OutOrStdout(), e)
			return nil
		},
	}
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "id of the message to reply to")
	return cmd
}

func newUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users [query]",
		Short: "Find users by name or email",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProfile()
			if err != nil {
				return err
			}
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			users, err := client.New(p.Server.URL, p.Auth.Token).SearchUsers(cmd.Context(), query)
			if err != nil {
				return errors.New(client.ErrorText(err))
			}
			for _, u := range users {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-20s %s\n", u.ID, u.Name, u.Email)
			}
			return nil
		},
	}
}

func newGroupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage a group chat",
	}
	// Each subcommand prints the resulting chat.
	update := func(use, short string, fn func(c *client.Client, ctx context.Context, chatID, arg string) (messaging.Chat, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				p, err := loadProfile()
				if err != nil {
					return err
				}
				chat, err := fn(client.New(p.Server.URL, p.Auth.Token), cmd.Context(), args[0], args[1])
				if err != nil {
					return errors.New(client.ErrorText(err))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s (%s)\n", chat.ID, chatTitle(chat, p.Auth.UserID), strings.Join(chat.Members, ", "))
				return nil
			},
		}
	}
	cmd.AddCommand(
		update("rename <chat-id> <name>", "Rename a group", (*client.Client).RenameChat),
		update("add <chat-id> <user-id>", "Add a member", (*client.Client).AddMember),
		update("remove <chat-id> <user-id>", "Remove a member, or yourself to leave", (*client.Client).RemoveMember),
	)
	return cmd
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out <- line
		}
	}
	if err := sc.Err(); err != nil {
		slog.Debug("stdin closed", "error", err)
	}
}

func chatTitle(c messaging.Chat, self string) string {
	if c.IsGroup && c.Name != "" {
		return c.Name
	}
	var others []string
	for _, m := range c.Members {
		if m != self {
			others = append(others, m)
		}
	}
	return strings.Join(others, ", ")
}

func printEntry(w io.Writer, e client.Entry) {
	marks := ""
	switch {
	case e.Status == client.StatusPending:
		marks = " …"
	case e.Status == client.StatusFailed:
		marks = " (failed)"
	case len(e.ReadBy) > 1:
		marks = " ✓✓"
	case len(e.DeliveredTo) > 0:
		marks = " ✓"
	}
	content := e.Content
	if e.Attachment != nil {
		content = fmt.Sprintf("[%s, %s] %s", e.Attachment.FileName, humanize.IBytes(uint64(e.Attachment.Size)), content)
	}
	if e.EditedAt != nil && !e.IsDeleted {
		content += " (edited)"
	}
	fmt.Fprintf(w, "%s  %-10s %s%s\n", e.CreatedAt.Local().Format("Jan 2 15:04"), e.SenderID, content, marks)
}

func printEvent(w io.Writer, ctl *client.Controller, env events.Envelope) {
	switch env.Type {
	case events.MessageReceived, events.MessageReplied:
		var m messaging.Message
		if env.Into(&m) != nil {
			return
		}
		if m.ChatID == ctl.OpenChatID() {
			printEntry(w, client.Entry{Message: m})
			return
		}
		fmt.Fprintf(w, "* new message in %s from %s\n", m.ChatID, m.SenderID)
	case events.MessageRead, events.MessageDelivered:
		var p events.ReceiptPayload
		if env.Into(&p) == nil && p.ChatID == ctl.OpenChatID() {
			fmt.Fprintf(w, "* %s %s %s\n", p.UserID, strings.TrimPrefix(string(env.Type), "message-"), p.MessageID)
		}
	case events.Typing:
		if peers := ctl.PeersTyping(); len(peers) > 0 {
			fmt.Fprintf(w, "* %s typing…\n", strings.Join(peers, ", "))
		}
	case events.Connected:
		fmt.Fprintln(w, "* reconnected")
	case events.MessageUpdated, events.MessageDeleted, events.ReactionUpdated:
		fmt.Fprintf(w, "* %s\n", env.Type)
	}
}
