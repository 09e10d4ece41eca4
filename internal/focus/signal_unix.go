//go:build unix

package focus

import (
	"os"
	"os/signal"
	"syscall"
)

// SIGCONT arrives when a suspended terminal job is resumed.
func notifyForeground(ch chan<- os.Signal) { signal.Notify(ch, syscall.SIGCONT) }

func stopNotify(ch chan<- os.Signal) { signal.Stop(ch) }
