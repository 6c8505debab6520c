package runtime

import (
	"os"
	"os/signal"
)

// Signals defines methods for handling OS signals.
type Signals interface {
	// Notify returns a channel for receiving notifications of the given signals.
	Notify(...os.Signal) <-chan os.Signal
	// Reset stops receiving signal notifications. If no signal is specified,
	// all signals are cleared.
	Reset(...os.Signal)
}

type signals struct {
	channel chan os.Signal
}

// DefaultSignals returns a Signals backed by the real os/signal package.
func DefaultSignals() Signals {
	return &signals{
		channel: make(chan os.Signal, 1),
	}
}

func (s *signals) Notify(sig ...os.Signal) <-chan os.Signal {
	signal.Notify(s.channel, sig...)
	return s.channel
}

func (s *signals) Reset(sig ...os.Signal) {
	signal.Reset(sig...)
}
