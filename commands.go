package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pairchat/chat"
	"pairchat/conversation"
	"pairchat/media"
	"pairchat/models"
	"pairchat/session"
)

const (
	secretEnv       = "PAIRCHAT_SECRET"
	snapshotTimeout = 10 * time.Second
)

func addClientCommands(root *cobra.Command) {
	sendCmd.Flags().String("photo", "", "send the photo at this path")
	sendCmd.Flags().String("video", "", "send the video at this path")
	sendCmd.Flags().String("audio", "", "send the audio recording at this path")
	historyCmd.Flags().BoolP("follow", "f", false, "keep printing the timeline as it changes")
	passwdCmd.Flags().String("new", "", "new secret")
	deleteAccountCmd.Flags().String("confirm", "", "repeat the account identifier to confirm")
	mediaCmd.Flags().StringP("output", "o", "", "write the blob to this file instead of stdout")

	root.AddCommand(
		registerCmd,
		sendCmd,
		historyCmd,
		chatsCmd,
		reactCmd,
		deleteCmd,
		searchCmd,
		passwdCmd,
		deleteAccountCmd,
		mediaCmd,
	)
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		user, secret, err := credentials(cmd)
		if err != nil {
			return err
		}
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		sess, err := a.session(session.NopListener{})
		if err != nil {
			return err
		}
		if err := sess.Register(cmd.Context(), user, secret); err != nil {
			return err
		}
		fmt.Printf("registered %s\n", user)
		return sess.OnSignOut(cmd.Context())
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <peer> [text...]",
	Short: "Send a text or media message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, file, err := mediaFlag(cmd)
		if err != nil {
			return err
		}
		text := strings.Join(args[1:], " ")
		if kind == models.KindText && strings.TrimSpace(text) == "" {
			return errors.New("nothing to send")
		}

		return withConversation(cmd, args[0], nil, func(ctx context.Context, sess *session.Session) error {
			var (
				key string
				err error
			)
			if kind == models.KindText {
				key, err = sess.SendMessage(ctx, kind, text)
			} else {
				key, err = sess.CaptureMedia(ctx, fileRecorder(file), kind)
			}
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <peer>",
	Short: "Print a conversation timeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		listener := newCLIListener()

		return withConversation(cmd, args[0], listener, func(ctx context.Context, sess *session.Session) error {
			self, _ := sess.Self()
			timeline, err := listener.nextTimeline(ctx, snapshotTimeout)
			if err != nil {
				return err
			}
			printTimeline(self, timeline)
			if !follow {
				return nil
			}

			ctx, stop := signalContext(ctx)
			defer stop()
			for {
				timeline, err := listener.nextTimeline(ctx, 0)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				fmt.Println("--")
				printTimeline(self, timeline)
			}
		})
	},
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		listener := newCLIListener()
		return withSession(cmd, listener, func(ctx context.Context, sess *session.Session) error {
			previews, err := listener.nextChatList(ctx, snapshotTimeout)
			if err != nil {
				return err
			}
			if len(previews) == 0 {
				fmt.Println("no conversations")
				return nil
			}
			for _, preview := range previews {
				fmt.Printf("%s\t%s\t%s\n", preview.Peer, formatTime(preview.LastActivityAt), describe(preview.LastMessage))
			}
			return nil
		})
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <peer> <message-key> <emoji>",
	Short: "Toggle your reaction on a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, nil, func(ctx context.Context, sess *session.Session) error {
			ref, err := messageRef(sess, args[0], args[1])
			if err != nil {
				return err
			}
			update, err := sess.ToggleReaction(ctx, ref, args[2])
			if err != nil {
				return err
			}
			if update.Remove {
				fmt.Printf("removed %s\n", update.Emoji)
			} else {
				fmt.Printf("reacted %s\n", update.Emoji)
			}
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <peer> <message-key>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, nil, func(ctx context.Context, sess *session.Session) error {
			ref, err := messageRef(sess, args[0], args[1])
			if err != nil {
				return err
			}
			return sess.DeleteMessage(ctx, ref)
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <prefix>",
	Short: "Find accounts by identifier prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, nil, func(ctx context.Context, sess *session.Session) error {
			accounts, err := sess.SearchDirectory(ctx, args[0])
			if err != nil {
				return err
			}
			for _, account := range accounts {
				status := "offline, last seen " + formatTime(account.LastSeenAt)
				if account.IsOnline {
					status = "online"
				}
				fmt.Printf("%s\t%s\n", account.Identifier, status)
			}
			return nil
		})
	},
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change your secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		next, _ := cmd.Flags().GetString("new")
		return withSession(cmd, nil, func(ctx context.Context, sess *session.Session) error {
			_, secret, err := credentials(cmd)
			if err != nil {
				return err
			}
			return sess.ChangeSecret(ctx, secret, next)
		})
	},
}

var deleteAccountCmd = &cobra.Command{
	Use:   "delete-account",
	Short: "Delete your account record and credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		confirm, _ := cmd.Flags().GetString("confirm")
		user, secret, err := credentials(cmd)
		if err != nil {
			return err
		}
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		sess, err := a.session(session.NopListener{})
		if err != nil {
			return err
		}
		if err := sess.SignIn(cmd.Context(), user, secret); err != nil {
			return err
		}
		if err := sess.DeleteAccount(cmd.Context(), confirm, secret); err != nil {
			_ = sess.OnSignOut(cmd.Context())
			return err
		}
		fmt.Printf("deleted %s\n", user)
		return nil
	},
}

var mediaCmd = &cobra.Command{
	Use:   "media <ref>",
	Short: "Export a stored media blob",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		blob, object, err := a.media.Open(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer blob.Close()

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		if _, err := io.Copy(w, blob); err != nil {
			return err
		}
		if output != "" {
			fmt.Fprintf(os.Stderr, "%s %s (%d bytes)\n", object.Kind, object.MimeType, object.SizeBytes)
		}
		return nil
	},
}

func credentials(cmd *cobra.Command) (string, string, error) {
	user, _ := cmd.Flags().GetString("user")
	secret, _ := cmd.Flags().GetString("secret")
	if secret == "" {
		secret = os.Getenv(secretEnv)
	}
	if user == "" {
		return "", "", errors.New("--user is required")
	}
	if secret == "" {
		return "", "", fmt.Errorf("--secret or %s is required", secretEnv)
	}
	return user, secret, nil
}

// withSession signs in, runs fn and signs out again, so the account only
// shows online for the duration of the command.
func withSession(cmd *cobra.Command, listener session.Listener, fn func(context.Context, *session.Session) error) error {
	user, secret, err := credentials(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if listener == nil {
		listener = session.NopListener{}
	}
	sess, err := a.session(listener)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := sess.SignIn(ctx, user, secret); err != nil {
		return err
	}
	defer func() {
		if err := sess.OnSignOut(context.WithoutCancel(ctx)); err != nil {
			a.log.Warn().Err(err).Msg("sign out")
		}
	}()
	return fn(ctx, sess)
}

func withConversation(cmd *cobra.Command, peer string, listener session.Listener, fn func(context.Context, *session.Session) error) error {
	return withSession(cmd, listener, func(ctx context.Context, sess *session.Session) error {
		if err := sess.OpenConversation(ctx, peer); err != nil {
			return err
		}
		defer sess.CloseConversation()
		return fn(ctx, sess)
	})
}

func messageRef(sess *session.Session, peer, key string) (chat.MessageRef, error) {
	self, ok := sess.Self()
	if !ok {
		return chat.MessageRef{}, chat.ErrNotSignedIn
	}
	if err := conversation.ValidateIdentifier(peer); err != nil {
		return chat.MessageRef{}, &chat.ValidationError{Field: "peer", Err: err}
	}
	return chat.MessageRef{Conversation: conversation.DeriveKey(self, peer), Key: key}, nil
}

func mediaFlag(cmd *cobra.Command) (models.MessageKind, string, error) {
	var (
		kind  = models.KindText
		file  string
		count int
	)
	for _, candidate := range []models.MessageKind{models.KindPhoto, models.KindVideo, models.KindAudio} {
		path, _ := cmd.Flags().GetString(string(candidate))
		if path == "" {
			continue
		}
		kind, file = candidate, path
		count++
	}
	if count > 1 {
		return "", "", errors.New("only one of --photo, --video or --audio may be given")
	}
	return kind, file, nil
}

// fileRecorder stands in for a camera or microphone by reading a file.
type fileRecorder string

func (r fileRecorder) Record(_ context.Context, _ models.MessageKind) ([]byte, error) {
	blob, err := os.ReadFile(string(r))
	if errors.Is(err, fs.ErrPermission) {
		return nil, fmt.Errorf("%w: %v", media.ErrPermissionDenied, err)
	}
	return blob, err
}

// cliListener keeps only the latest chat list and timeline.
type cliListener struct {
	chats     chan []models.ChatPreview
	timelines chan chat.Timeline
}

var _ session.Listener = (*cliListener)(nil)

func newCLIListener() *cliListener {
	return &cliListener{
		chats:     make(chan []models.ChatPreview, 1),
		timelines: make(chan chat.Timeline, 1),
	}
}

func (l *cliListener) ChatListChanged(previews []models.ChatPreview) {
	replaceLatest(l.chats, previews)
}

func (l *cliListener) TimelineChanged(timeline chat.Timeline) {
	replaceLatest(l.timelines, timeline)
}

func (l *cliListener) ViewModeChanged(chat.ViewMode) {}

func (l *cliListener) nextChatList(ctx context.Context, timeout time.Duration) ([]models.ChatPreview, error) {
	return awaitLatest(ctx, l.chats, timeout)
}

func (l *cliListener) nextTimeline(ctx context.Context, timeout time.Duration) (chat.Timeline, error) {
	return awaitLatest(ctx, l.timelines, timeout)
}

func replaceLatest[T any](ch chan T, value T) {
	for {
		select {
		case ch <- value:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func awaitLatest[T any](ctx context.Context, ch <-chan T, timeout time.Duration) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case value := <-ch:
		return value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func printTimeline(self string, timeline chat.Timeline) {
	if timeline.Len() == 0 {
		fmt.Println("no messages yet")
		return
	}
	for msg := range timeline.Messages() {
		sender := msg.Sender
		if sender == self {
			sender = "you"
		}
		line := fmt.Sprintf("%s  %s  %-12s %s", formatTime(msg.Timestamp), msg.Key, sender, describe(msg))
		if reactions := formatReactions(msg.Reactions); reactions != "" {
			line += "  " + reactions
		}
		fmt.Println(line)
	}
}

func describe(msg models.Message) string {
	switch {
	case msg.Deleted:
		return "[deleted]"
	case msg.Kind.RequiresMedia():
		return fmt.Sprintf("[%s %s]", msg.Kind, msg.MediaRef)
	default:
		return msg.Text
	}
}

func formatReactions(reactions map[string]string) string {
	if len(reactions) == 0 {
		return ""
	}
	actors := make([]string, 0, len(reactions))
	for actor := range reactions {
		actors = append(actors, actor)
	}
	slices.Sort(actors)
	parts := make([]string, 0, len(actors))
	for _, actor := range actors {
		parts = append(parts, actor+":"+reactions[actor])
	}
	return "(" + strings.Join(parts, " ") + ")"
}

func formatTime(millis int64) string {
	if millis <= 0 {
		return "never"
	}
	return time.UnixMilli(millis).Local().Format("2006-01-02 15:04")
}
