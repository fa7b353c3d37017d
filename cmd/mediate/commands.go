package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/suPer8Hu/mediation/internal/chat"
	"github.com/suPer8Hu/mediation/internal/conversation"
	"github.com/suPer8Hu/mediation/internal/push"
	"github.com/suPer8Hu/mediation/internal/query"
	"github.com/suPer8Hu/mediation/internal/realtime"
	"github.com/suPer8Hu/mediation/internal/stream"
)

func newTimelineCmd(a *app) *cobra.Command {
	var older int

	cmd := &cobra.Command{
		Use:   "timeline <session-id>",
		Short: "Print a session timeline, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTimeline(cmd, a, args[0], older)
		},
	}

	cmd.Flags().IntVar(&older, "older", 0, "number of older pages to load as well")
	return cmd
}

func runTimeline(cmd *cobra.Command, a *app, sessionID string, older int) error {
	ctx := cmd.Context()
	s, err := a.login(ctx, cmd)
	if err != nil {
		return err
	}
	conv, err := conversation.Open(ctx, sessionID, s.client, conversation.Options{
		PageSize: s.cfg.TimelinePageSize,
		Logger:   s.log,
	})
	if err != nil {
		return err
	}
	defer conv.Close(ctx)

	for i := 0; i < older; i++ {
		more, err := conv.LoadOlder(ctx)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}

	out := cmd.OutOrStdout()
	items := conv.Timeline().Items()
	for i := len(items) - 1; i >= 0; i-- {
		printItem(out, items[i])
	}
	if conv.Timeline().HasMore() {
		fmt.Fprintln(out, "(older messages available)")
	}
	return nil
}

func newSendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <session-id> <message>",
		Short: "Send a message and wait for the reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, a, args[0], strings.Join(args[1:], " "))
		},
	}
}

func runSend(cmd *cobra.Command, a *app, sessionID, content string) error {
	ctx := cmd.Context()
	s, err := a.login(ctx, cmd)
	if err != nil {
		return err
	}
	conv, err := conversation.Open(ctx, sessionID, s.client, conversation.Options{
		PageSize: s.cfg.TimelinePageSize,
		Logger:   s.log,
	})
	if err != nil {
		return err
	}
	defer conv.Close(ctx)

	sent, err := conv.Send(ctx, content)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printItem(out, sent)
	for _, it := range conv.Timeline().Items() {
		if it.Type == chat.ItemAIMessage && !it.Time().Before(sent.Time()) {
			printItem(out, it)
			break
		}
	}
	return nil
}

func newStreamCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stream <session-id> <message>",
		Short: "Send a message and print the reply as it streams",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStream(cmd, a, args[0], strings.Join(args[1:], " "))
		},
	}
}

func runStream(cmd *cobra.Command, a *app, sessionID, content string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := a.login(ctx, cmd)
	if err != nil {
		return err
	}
	conv, err := conversation.Open(ctx, sessionID, s.client, conversation.Options{
		PageSize:      s.cfg.TimelinePageSize,
		Throttle:      s.cfg.StreamThrottle,
		Source:        stream.ClientSource(s.client),
		StreamMetrics: stream.NewMetrics(a.registry),
		Logger:        s.log,
	})
	if err != nil {
		return err
	}
	defer conv.Close(context.WithoutCancel(ctx))

	out := cmd.OutOrStdout()
	var mu sync.Mutex
	printed := 0
	unsub := conv.Stream().Subscribe(func(snap stream.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(snap.Content) > printed {
			fmt.Fprint(out, snap.Content[printed:])
			printed = len(snap.Content)
		}
	})
	defer unsub()

	if err := conv.SendStreaming(ctx, content); err != nil {
		return err
	}
	snap, err := conv.Stream().Wait(ctx)
	if err != nil {
		conv.Stream().Cancel()
		return err
	}

	mu.Lock()
	if len(snap.Content) > printed {
		fmt.Fprint(out, snap.Content[printed:])
	}
	mu.Unlock()
	fmt.Fprintln(out)

	if snap.State == stream.StateError {
		return fmt.Errorf("stream failed: %s", snap.ErrorMessage)
	}
	if md := conv.SessionState(); len(md) > 0 {
		fmt.Fprintf(out, "session state: %v\n", md)
	}
	return nil
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		duration time.Duration
		presence bool
	)

	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Print live events of a session",
		Long:  "Subscribes to the session channel and prints every event addressed to this account until interrupted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, a, args[0], duration, presence)
		},
	}

	cmd.Flags().DurationVar(&duration, "for", 0, "stop after this long (0 waits for an interrupt)")
	cmd.Flags().BoolVar(&presence, "presence", false, "announce presence on the channel")
	return cmd
}

func runWatch(cmd *cobra.Command, a *app, sessionID string, duration time.Duration, presence bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	s, err := a.login(ctx, cmd)
	if err != nil {
		return err
	}
	m := realtime.NewManager(realtime.Options{
		Addr:       s.cfg.RedisAddr,
		DB:         s.cfg.RedisDB,
		Tokens:     s.client,
		UserID:     strconv.FormatUint(s.user.ID, 10),
		Logger:     s.log,
		Registerer: a.registry,
	})
	defer m.Close()

	ch, err := m.Acquire(ctx, realtime.SessionChannel(sessionID))
	if err != nil {
		return fmt.Errorf("join session channel: %w", err)
	}
	defer ch.Release()

	out := cmd.OutOrStdout()
	var mu sync.Mutex
	unsub := ch.Subscribe(func(ev realtime.Event) {
		mu.Lock()
		defer mu.Unlock()
		printEvent(out, ev)
	})
	defer unsub()

	if presence {
		if err := ch.Enter(ctx, nil); err != nil {
			s.log.Warn().Err(err).Msg("presence enter failed")
		} else {
			defer ch.Leave(context.WithoutCancel(ctx))
		}
	}

	<-ctx.Done()
	return nil
}

// flagProvider hands a token given on the command line to the registrar.
type flagProvider struct {
	token    string
	platform string
}

func (p flagProvider) Permission(context.Context) (push.Permission, error) {
	return push.PermissionGranted, nil
}

func (p flagProvider) RequestPermission(context.Context) (push.Permission, error) {
	return push.PermissionGranted, nil
}

func (p flagProvider) Token(context.Context) (string, error) { return p.token, nil }
func (p flagProvider) Platform() string                      { return p.platform }

func newPushRegisterCmd(a *app) *cobra.Command {
	var p flagProvider

	cmd := &cobra.Command{
		Use:   "push-register",
		Short: "Register a device push token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPushRegister(cmd, a, p)
		},
	}

	cmd.Flags().StringVar(&p.token, "token", "", "device push token")
	cmd.Flags().StringVar(&p.platform, "platform", "ios", "ios, android or web")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func runPushRegister(cmd *cobra.Command, a *app, p flagProvider) error {
	ctx := cmd.Context()
	s, err := a.login(ctx, cmd)
	if err != nil {
		return err
	}
	r := push.NewRegistrar(p, s.client, query.New(query.Options{Logger: s.log}), s.log)
	tok, err := r.Register(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "registered %s token %s\n", p.platform, tok)
	return nil
}

func printItem(w io.Writer, it chat.Item) {
	ts := it.Timestamp
	if t := it.Time(); !t.IsZero() {
		ts = t.Local().Format("2006-01-02 15:04:05")
	}
	switch it.Type {
	case chat.ItemUserMessage:
		fmt.Fprintf(w, "%s  you: %s\n", ts, it.Content)
	case chat.ItemAIMessage:
		fmt.Fprintf(w, "%s  mediator: %s\n", ts, it.Content)
	case chat.ItemEmotionChange:
		fmt.Fprintf(w, "%s  -- emotion %d/10\n", ts, it.Intensity)
	default:
		fmt.Fprintf(w, "%s  -- %s\n", ts, strings.ToLower(strings.ReplaceAll(it.IndicatorType, "_", " ")))
	}
}

func printEvent(w io.Writer, ev realtime.Event) {
	fmt.Fprintf(w, "%s  %-15s from=%s %s\n", ev.SentAt.Local().Format("15:04:05"), ev.Type, ev.SenderID, ev.Data)
}
