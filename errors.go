package neoflow

import (
	"errors"
)

// Errors that abort a run.  Callers match them with errors.Is.
var (
	ErrPortSpaceExhausted  = errors.New("destination port space exhausted")
	ErrUnsupportedProtocol = errors.New("transport protocol not supported")
	ErrObserverRegistered  = errors.New("node already has a forwarding observer")
	ErrNotForwarding       = errors.New("node does not forward packets")
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrBelowClockTick      = errors.New("time step shorter than one clock tick")
)
