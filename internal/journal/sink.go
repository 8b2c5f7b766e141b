package journal

import "context"

// Sink consumes batches of records. Implementations must honor ctx deadlines
// and tolerate repeated calls.
type Sink interface {
	Consume(ctx context.Context, batch []Record) error
	Close(ctx context.Context) error
}

// Emitter publishes individual records; Hub satisfies it so the controller
// does not care how records are buffered.
type Emitter interface {
	Emit(rec Record)
}
