package tracing

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/sarchlab/simkernel/datarecording"
)

// DispatchTable is the table DBTracer writes to.
const DispatchTable = "dispatches"

// DBTracer is a tracer that stores dispatches into a database through a
// DataRecorder.
type DBTracer struct {
	mu      sync.Mutex
	backend datarecording.DataRecorder
	logger  zerolog.Logger
	count   uint64
	failed  bool
}

// NewDBTracer creates a DBTracer and the table it writes to.
func NewDBTracer(
	backend datarecording.DataRecorder,
	logger zerolog.Logger,
) (*DBTracer, error) {
	if err := backend.CreateTable(DispatchTable, Dispatch{}); err != nil {
		return nil, err
	}

	t := &DBTracer{
		backend: backend,
		logger:  logger,
	}

	return t, nil
}

// TraceDispatch buffers the dispatch in the recorder. A recorder failure is
// logged once and tracing stops.
func (t *DBTracer) TraceDispatch(d Dispatch) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failed {
		return
	}

	if err := t.backend.InsertData(DispatchTable, d); err != nil {
		t.failed = true
		t.logger.Error().Err(err).Msg("dispatch trace disabled")

		return
	}

	t.count++
}

// Count returns the number of dispatches recorded.
func (t *DBTracer) Count() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.count
}

// Flush writes buffered dispatches to the database.
func (t *DBTracer) Flush() error {
	return t.backend.Flush()
}
