//go:build unix

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/GriffinCanCode/termrelay/internal/client"
	"golang.org/x/term"
)

// watchResize forwards terminal size changes until the returned func is
// called.
func watchResize(t *client.Terminal, fd int) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-sigCh:
				if cols, rows, err := term.GetSize(fd); err == nil {
					_ = t.Resize(cols, rows)
				}
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
