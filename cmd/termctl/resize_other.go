//go:build !unix

package main

import "github.com/GriffinCanCode/termrelay/internal/client"

// watchResize is a no-op where SIGWINCH does not exist; the size sent at
// attach time stays in effect.
func watchResize(*client.Terminal, int) func() { return func() {} }
