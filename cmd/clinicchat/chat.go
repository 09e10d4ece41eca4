package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/codefionn/clinicchat/internal/chat"
	"github.com/codefionn/clinicchat/internal/session"
)

var (
	threadsClinic int64
	chatClinic    int64
	chatThread    int64
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List your conversations in a clinic",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if threadsClinic <= 0 {
			return errors.New("--clinic is required")
		}
		a, stop, err := startApp(cmd)
		if err != nil {
			return err
		}
		defer stop()
		if a.Session.Current() == nil {
			return session.ErrUnauthenticated
		}

		threads, err := a.API.ListThreads(cmd.Context(), threadsClinic)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tTITLE")
		for _, t := range threads {
			fmt.Fprintf(w, "%d\t%s\t%s\n", t.ID, t.Kind, t.Title())
		}
		return w.Flush()
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Follow a conversation and send messages",
	Long: `Follow a thread, or the clinic-wide channel when --thread is omitted.

Lines typed on stdin are sent. "/read" marks everything as read and
"/quit" leaves.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	threadsCmd.Flags().Int64Var(&threadsClinic, "clinic", 0, "clinic id")
	chatCmd.Flags().Int64Var(&chatClinic, "clinic", 0, "clinic id")
	chatCmd.Flags().Int64Var(&chatThread, "thread", 0, "thread id (default: clinic-wide channel)")
}

func runChat(cmd *cobra.Command, args []string) error {
	scope := chat.ClinicScope(chatClinic)
	if chatThread > 0 {
		scope = chat.ThreadScope(chatClinic, chatThread)
	}
	if err := scope.Validate(); err != nil {
		return err
	}

	a, stop, err := startApp(cmd)
	if err != nil {
		return err
	}
	defer stop()

	view := &chatView{out: cmd.OutOrStdout()}
	a.Channel.OnUpdate(view.update)

	ctx := cmd.Context()
	if _, err := a.Mount(ctx, scope); errors.Is(err, chat.ErrHistoryUnavailable) {
		fmt.Fprintln(cmd.ErrOrStderr(), warnStyle.Render("Could not load earlier messages: "+err.Error()))
	} else if err != nil {
		return err
	}
	view.backlog(a.Channel.Messages(), a.Session.Current().UserID())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
			case "/quit":
				return nil
			case "/read":
				if err := a.Channel.MarkAsRead(ctx); err != nil {
					view.errorf("mark as read: %v", err)
				}
			default:
				sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
				if _, err := a.Channel.Send(sctx, line, chat.Destination{}); err != nil {
					view.errorf("%v", err)
				}
				cancel()
			}
		}
	}
}

// chatView renders channel updates. update runs on the channel's loop.
type chatView struct {
	mu     sync.Mutex
	out    io.Writer
	userID int64
}

func (v *chatView) backlog(msgs []chat.Message, userID int64) {
	v.mu.Lock()
	v.userID = userID
	v.mu.Unlock()
	for _, m := range msgs {
		v.message(m)
	}
}

func (v *chatView) update(u chat.Update) {
	switch u.Kind {
	case chat.UpdateMessage:
		v.message(u.Message)
		if u.Unread.Count > 0 {
			v.line(dimStyle.Render(fmt.Sprintf("(%d unread)", u.Unread.Count)))
		}
	case chat.UpdateState:
		v.line(dimStyle.Render("[" + u.State.Status.String() + "]"))
	}
}

func (v *chatView) message(m chat.Message) {
	v.mu.Lock()
	own := m.SenderID == v.userID
	v.mu.Unlock()

	name := m.SenderName
	if own {
		name = "you"
	} else if name == "" {
		name = fmt.Sprintf("user %d", m.SenderID)
	}
	v.line(fmt.Sprintf("%s %s %s",
		dimStyle.Render(m.CreatedAt.Local().Format("15:04")),
		nameStyle.Render(name+":"),
		m.Body))
}

func (v *chatView) errorf(format string, args ...any) {
	v.line(errorStyle.Render(fmt.Sprintf(format, args...)))
}

func (v *chatView) line(s string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, s)
}
