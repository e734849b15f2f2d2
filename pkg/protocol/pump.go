package protocol

import "context"

// Sink writes one event to a transport. Send blocks until the transport has
// accepted the event.
type Sink interface {
	Send(ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event) error

// Send implements Sink.
func (f SinkFunc) Send(ev Event) error { return f(ev) }

// Pump forwards events to sink in order until the channel is closed, ctx is
// done, or the sink fails. The producer writes into a bounded channel, so a
// slow transport suspends it instead of queueing without bound. On a sink
// error the caller must cancel the producer.
func Pump(ctx context.Context, events <-chan Event, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := sink.Send(ev); err != nil {
				return err
			}
		}
	}
}
