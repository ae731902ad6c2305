package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const (
	channelBuffer = 10_000
	batchSize     = 200
	flushInterval = time.Second
)

// Writer batches inference and model-inference records onto a background
// channel and flushes them to ClickHouse in per-table batches — the same
// non-blocking shape as the teacher's request logger, generalized from one
// flat table to the gateway's full record set. Feedback and dataset-curation
// writes bypass the channel and go synchronously, per the inference/feedback
// durability split in the write path design.
type Writer struct {
	conn clickhouse.Conn

	ch        chan record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedWrites int64

	baseCtx context.Context
	log     *slog.Logger
}

// NewWriter starts the background batching goroutine over an already-opened
// connection. A nil conn is accepted so a gateway running with
// disable_observability can still construct a Writer whose writes are
// silently discarded, rather than threading nil checks through call sites.
func NewWriter(ctx context.Context, conn clickhouse.Conn, slogger *slog.Logger) (*Writer, error) {
	if ctx == nil {
		return nil, fmt.Errorf("observability: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	w := &Writer{
		conn:    conn,
		ch:      make(chan record, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	w.wg.Add(1)
	go w.run()

	return w, nil
}

// LogChatInference enqueues a chat inference record without blocking the
// request path. If the channel is full the oldest queued record is dropped
// to make room and counted.
func (w *Writer) LogChatInference(r ChatInferenceRecord) { w.enqueue(r) }

// LogJsonInference enqueues a json inference record.
func (w *Writer) LogJsonInference(r JsonInferenceRecord) { w.enqueue(r) }

// LogModelInference enqueues one physical provider-attempt record.
func (w *Writer) LogModelInference(r ModelInferenceRecord) { w.enqueue(r) }

func (w *Writer) enqueue(r record) {
	for {
		select {
		case w.ch <- r:
			return
		default:
		}
		// Queue full: shed the oldest queued record to make room.
		select {
		case <-w.ch:
			atomic.AddInt64(&w.droppedWrites, 1)
		default:
		}
	}
}

// DroppedWrites returns the count of records dropped because the channel
// was full. It is not exported as a metric.
func (w *Writer) DroppedWrites() int64 {
	return atomic.LoadInt64(&w.droppedWrites)
}

// WriteFeedback synchronously writes one feedback row, returning the error
// to the caller so a rejected /feedback request surfaces as a 5xx rather
// than appearing to succeed while silently dropping the row.
func (w *Writer) WriteFeedback(ctx context.Context, r record) error {
	return w.writeOne(ctx, r)
}

// WriteDatapoint synchronously writes one dataset-curation row.
func (w *Writer) WriteDatapoint(ctx context.Context, r record) error {
	return w.writeOne(ctx, r)
}

func (w *Writer) writeOne(ctx context.Context, r record) error {
	if w.conn == nil {
		return nil
	}
	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO "+r.table())
	if err != nil {
		return fmt.Errorf("observability: prepare %s: %w", r.table(), err)
	}
	if err := r.appendTo(batch); err != nil {
		return fmt.Errorf("observability: append %s: %w", r.table(), err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("observability: send %s: %w", r.table(), err)
	}
	return nil
}

// Ready reports whether the underlying connection is reachable, used by the
// router's health checker for the /readiness probe.
func (w *Writer) Ready() bool {
	if w.conn == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(w.baseCtx, 2*time.Second)
	defer cancel()
	return w.conn.Ping(ctx) == nil
}

// Close stops the background flusher, draining and sending any buffered
// records before returning.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flushBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case r := <-w.ch:
			batch = append(batch, r)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-w.done:
			for {
				select {
				case r := <-w.ch:
					batch = append(batch, r)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// flushBatch groups the accumulated records by destination table and sends
// one ClickHouse batch per table, since a single INSERT batch is bound to
// one table's column shape.
func (w *Writer) flushBatch(records []record) {
	if w.conn == nil {
		return
	}

	byTable := make(map[string][]record)
	for _, r := range records {
		byTable[r.table()] = append(byTable[r.table()], r)
	}

	for table, rows := range byTable {
		if err := w.sendTable(table, rows); err != nil {
			w.log.ErrorContext(w.baseCtx, "observability_flush_failed",
				slog.String("table", table), slog.Int("rows", len(rows)), slog.Any("error", err))
		}
	}
}

func (w *Writer) sendTable(table string, rows []record) error {
	ctx, cancel := context.WithTimeout(w.baseCtx, 10*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	for _, r := range rows {
		if err := r.appendTo(batch); err != nil {
			return fmt.Errorf("append: %w", err)
		}
	}
	return batch.Send()
}
