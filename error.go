package main

import "errors"

var (
	ErrSignalStopped = errors.New("signal stopped")
	errConsoleExit   = errors.New("console exit")
)
