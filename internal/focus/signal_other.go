//go:build !unix

package focus

import "os"

func notifyForeground(chan<- os.Signal) {}

func stopNotify(chan<- os.Signal) {}
