package progress

import (
	"autobuild/pkg/eventlog"
	"autobuild/pkg/logx"
	"autobuild/pkg/proto"
)

// EventLogSink appends every event to the JSONL audit log.
type EventLogSink struct {
	logger *logx.Logger
	writer *eventlog.Writer
}

// NewEventLogSink wraps an eventlog writer as a Sink.
func NewEventLogSink(writer *eventlog.Writer) *EventLogSink {
	return &EventLogSink{
		logger: logx.NewLogger("eventlogsink"),
		writer: writer,
	}
}

// Deliver implements Sink.
func (s *EventLogSink) Deliver(event *proto.Event) {
	if err := s.writer.WriteEvent(event); err != nil {
		s.logger.Warn("Failed to append event to log: %v", err)
	}
}
