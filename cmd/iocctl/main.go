// Package main provides iocctl, the operator CLI for IOCForge.
package main

import (
	"errors"
	"os"
)

// Version information (injected at build time via ldflags)
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errRejected) {
			errorColor.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
