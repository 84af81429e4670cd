package events

import "github.com/chengchnegcheng/ssrelay/internal/logger"

// LogSink subscribes to a Bus and writes every event to log as a single
// INFO line, except KindRejected which logs at WARN. Call Stop to
// unsubscribe and terminate the drain goroutine.
type LogSink struct {
	cancel func()
	stop   chan struct{}
}

// NewLogSink subscribes immediately and starts draining in a goroutine.
func NewLogSink(bus *Bus, log *logger.Logger) *LogSink {
	ch, cancel := bus.Subscribe()
	s := &LogSink{cancel: cancel, stop: make(chan struct{})}
	go func() {
		for {
			select {
			case e := <-ch:
				if e.Kind == KindRejected {
					log.Warn(e.String())
				} else {
					log.Info(e.String())
				}
			case <-s.stop:
				return
			}
		}
	}()
	return s
}

// Stop unsubscribes the sink and terminates its drain goroutine.
func (s *LogSink) Stop() {
	s.cancel()
	close(s.stop)
}
