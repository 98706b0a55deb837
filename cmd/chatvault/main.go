package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	root := newRootCmd(newApp(os.Stdout, os.Stderr))
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chatvault: %v\n", err)
		os.Exit(exitCode(err))
	}
}

const (
	exitFailed  = 1
	exitPartial = 2
)

// partialError marks a command that did part of its work.
type partialError struct {
	err error
}

func (e *partialError) Error() string { return e.err.Error() }
func (e *partialError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var partial *partialError
	if errors.As(err, &partial) {
		return exitPartial
	}
	return exitFailed
}
