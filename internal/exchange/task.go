package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/types"
	"go.uber.org/zap"
)

// TaskSinkID names one output of a batch task.
type TaskSinkID struct {
	TaskID string
	SinkID uint32
}

func (id TaskSinkID) String() string {
	return fmt.Sprintf("%s/%d", id.TaskID, id.SinkID)
}

// pipe is shared by both ends of a sink. err is written before ch is closed
// and read only after the close is observed.
type pipe struct {
	ch  chan *types.DataChunk
	err error
}

// TaskOutput is the producer end of a sink.
type TaskOutput struct {
	id       TaskSinkID
	pipe     *pipe
	done     chan struct{}
	doneOnce sync.Once
}

// Send blocks until the consumer has room for chunk or ctx is done. Sending
// after Finish fails.
func (o *TaskOutput) Send(ctx context.Context, chunk *types.DataChunk) error {
	select {
	case <-o.done:
		return errors.InvalidArgument(fmt.Sprintf("sink %s already finished", o.id), nil)
	default:
	}
	select {
	case o.pipe.ch <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish ends the output. A non-nil err is delivered to the consumer after
// every chunk already sent. Finish is idempotent and must not race with Send.
func (o *TaskOutput) Finish(err error) {
	o.doneOnce.Do(func() {
		o.pipe.err = err
		close(o.done)
		close(o.pipe.ch)
	})
}

// TaskSink is the consumer end of a sink. It yields chunks until the
// producer finishes.
type TaskSink struct {
	id   TaskSinkID
	pipe *pipe
}

// ID returns the sink's identifier.
func (s *TaskSink) ID() TaskSinkID {
	return s.id
}

// DirectTakeData returns the next chunk, or nil once the producer has
// finished cleanly.
func (s *TaskSink) DirectTakeData(ctx context.Context) (*types.DataChunk, error) {
	select {
	case chunk, ok := <-s.pipe.ch:
		if !ok {
			return nil, s.pipe.err
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TaskManager tracks the sinks of the tasks running on this node. A sink can
// be taken by exactly one consumer.
type TaskManager struct {
	mu     sync.Mutex
	sinks  map[TaskSinkID]*TaskSink
	buffer int
	logger *zap.Logger
}

// NewTaskManager creates a task manager whose sinks buffer up to buffer
// chunks before Send blocks.
func NewTaskManager(buffer int, logger *zap.Logger) *TaskManager {
	if buffer < 0 {
		buffer = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskManager{
		sinks:  make(map[TaskSinkID]*TaskSink),
		buffer: buffer,
		logger: logger,
	}
}

// CreateSink registers a new sink and returns its producer end.
func (m *TaskManager) CreateSink(id TaskSinkID) (*TaskOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sinks[id]; exists {
		return nil, errors.InvalidArgument(fmt.Sprintf("sink %s already exists", id), nil)
	}

	p := &pipe{ch: make(chan *types.DataChunk, m.buffer)}
	m.sinks[id] = &TaskSink{id: id, pipe: p}

	m.logger.Debug("Task sink created", zap.Stringer("sink", id))
	return &TaskOutput{id: id, pipe: p, done: make(chan struct{})}, nil
}

// TakeSink hands the sink to its single consumer.
func (m *TaskManager) TakeSink(id TaskSinkID) (*TaskSink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sink, ok := m.sinks[id]
	if !ok {
		return nil, errors.NotFound("task sink " + id.String())
	}
	delete(m.sinks, id)
	return sink, nil
}

// Len returns the number of sinks not yet taken.
func (m *TaskManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sinks)
}
