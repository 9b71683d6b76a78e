// ABOUTME: relayctl entry point: command-line client for the relay REST API
// ABOUTME: maps API and transport failures to distinct exit codes for scripting

package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/2389/discord-relay/internal/client"
)

// Exit codes, stable for scripts.
const (
	exitOK      = 0
	exitUsage   = 2
	exitAuth    = 10
	exitNetwork = 20
	exitServer  = 30
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden:
			return exitAuth
		case apiErr.Status >= 500:
			return exitServer
		default:
			return exitUsage
		}
	}
	var usageErr *usageError
	if errors.As(err, &usageErr) {
		return exitUsage
	}
	// Anything else is a transport problem: refused connections, timeouts, DNS.
	return exitNetwork
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}
