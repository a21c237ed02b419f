package streaming

import (
	"context"

	"github.com/run-bigpig/stream-guardrails/pkg/interfaces"
)

type channelSource struct {
	deltas <-chan string
	errs   <-chan error
}

// ChannelSource adapts a producer that reports deltas and errors on channels.
// The stream ends when deltas is closed; an error sent on errs ends it with a
// fault.
func ChannelSource(deltas <-chan string, errs <-chan error) interfaces.StreamSource {
	return &channelSource{deltas: deltas, errs: errs}
}

func (c *channelSource) Recv(ctx context.Context) (interfaces.StreamEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return interfaces.StreamEvent{}, ctx.Err()
		case err, ok := <-c.errs:
			if !ok {
				c.errs = nil
				continue
			}
			if err != nil {
				return interfaces.StreamEvent{}, err
			}
		case delta, ok := <-c.deltas:
			if ok {
				return interfaces.Delta(delta), nil
			}
			if c.errs != nil {
				select {
				case err := <-c.errs:
					if err != nil {
						return interfaces.StreamEvent{}, err
					}
				default:
				}
			}
			return interfaces.End(), nil
		}
	}
}

func (c *channelSource) Close() error {
	return nil
}
