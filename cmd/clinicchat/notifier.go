package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/codefionn/clinicchat/internal/session"
)

var (
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	nameStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("75")).Bold(true)
)

// notifier prints session notices to the terminal.
type notifier struct {
	mu  sync.Mutex
	out io.Writer
}

func newNotifier(out io.Writer) *notifier {
	return &notifier{out: out}
}

func (n *notifier) println(s string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintln(n.out, s)
}

func (n *notifier) SessionExpiring(remaining time.Duration) {
	n.println(warnStyle.Render(fmt.Sprintf("Your session expires in %d seconds. Run `clinicchat session refresh` to stay signed in.",
		int(remaining.Round(time.Second).Seconds()))))
}

func (n *notifier) SessionRefreshed(c *session.Credential) {
	n.println(okStyle.Render("Session refreshed, valid until " + c.ExpiresAt().Local().Format("15:04:05")))
}

func (n *notifier) SessionRefreshFailed(err error) {
	n.println(errorStyle.Render("Could not refresh the session: " + err.Error()))
}

func (n *notifier) SessionExpired() {
	n.println(errorStyle.Render("Session expired. Run `clinicchat login` to sign in again."))
}
