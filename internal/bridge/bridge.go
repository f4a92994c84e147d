// Package bridge implements the NDJSON-over-stdio protocol between the
// gateway and the engine subprocess: one JSON object per line in each
// direction, exact command tokens inbound, typed events outbound. It is
// grounded on the reconnect/dispatch structure of the exchange
// WebSocket client in the corpus — typed envelope parsing, a read loop
// that never dies on a single bad frame — retargeted from WebSocket JSON
// frames over a network socket to line-delimited JSON over an
// os/exec pipe.
package bridge

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"veloz/internal/errs"
	"veloz/pkg/types"
)

// CommandKind distinguishes the three inbound command tokens.
type CommandKind int

const (
	CmdOrder CommandKind = iota
	CmdCancel
	CmdPing
)

// Command is one parsed inbound line.
type Command struct {
	Kind          CommandKind
	Side          types.Side
	Symbol        string
	Qty           decimal.Decimal
	Price         *decimal.Decimal // nil for MARKET
	ClientOrderID string
}

// ParseCommand parses one inbound line against the exact token grammar:
//
//	ORDER <BUY|SELL> <SYMBOL> <QTY> <PRICE|MARKET> <CLIENT_ORDER_ID>
//	CANCEL <CLIENT_ORDER_ID>
//	PING
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, errs.New(errs.InvalidInput, "empty command line")
	}

	switch fields[0] {
	case "PING":
		if len(fields) != 1 {
			return Command{}, errs.New(errs.InvalidInput, "PING takes no arguments")
		}
		return Command{Kind: CmdPing}, nil

	case "CANCEL":
		if len(fields) != 2 {
			return Command{}, errs.New(errs.InvalidInput, "CANCEL requires exactly one argument")
		}
		return Command{Kind: CmdCancel, ClientOrderID: fields[1]}, nil

	case "ORDER":
		if len(fields) != 6 {
			return Command{}, errs.New(errs.InvalidInput, "ORDER requires exactly 5 arguments")
		}
		var side types.Side
		switch fields[1] {
		case "BUY":
			side = types.Buy
		case "SELL":
			side = types.Sell
		default:
			return Command{}, errs.New(errs.InvalidInput, "ORDER side must be BUY or SELL")
		}

		qty, err := decimal.NewFromString(fields[3])
		if err != nil {
			return Command{}, errs.Wrap(errs.InvalidInput, "invalid ORDER qty", err)
		}

		cmd := Command{
			Kind:          CmdOrder,
			Side:          side,
			Symbol:        fields[2],
			Qty:           qty,
			ClientOrderID: fields[5],
		}
		if fields[4] != "MARKET" {
			price, err := decimal.NewFromString(fields[4])
			if err != nil {
				return Command{}, errs.Wrap(errs.InvalidInput, "invalid ORDER price", err)
			}
			cmd.Price = &price
		}
		return cmd, nil

	default:
		return Command{}, errs.New(errs.InvalidInput, "unknown command: "+fields[0])
	}
}

// EventClass groups outbound event types for the backpressure drop
// policy: market data is dropped first, then nothing else — fill,
// order_update, and account are never dropped.
type EventClass int

const (
	ClassMarket EventClass = iota
	ClassCritical
)

// classOf returns the drop-priority class for a stable event type.
func classOf(eventType string) EventClass {
	if eventType == "market" {
		return ClassMarket
	}
	return ClassCritical
}

// timestamp renders now as ISO-8601 UTC with millisecond precision.
func timestamp(now time.Time) string {
	return now.UTC().Format("2006-01-02T15:04:05.000Z")
}

// EncodeEvent renders a stable event type plus its fields as one NDJSON
// line, with a timestamp field always present.
func EncodeEvent(eventType string, fields map[string]any, now time.Time) string {
	var b strings.Builder
	b.WriteByte('{')
	b.WriteString(`"type":`)
	b.WriteString(strconv.Quote(eventType))

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	// deterministic output is not required by the protocol, but keeps
	// golden-line tests stable
	sortStrings(keys)

	for _, k := range keys {
		b.WriteByte(',')
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		writeJSONValue(&b, fields[k])
	}

	b.WriteString(`,"timestamp":`)
	b.WriteString(strconv.Quote(timestamp(now)))
	b.WriteByte('}')
	return b.String()
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j-1] > ss[j]; j-- {
			ss[j-1], ss[j] = ss[j], ss[j-1]
		}
	}
}

func writeJSONValue(b *strings.Builder, v any) {
	switch val := v.(type) {
	case string:
		b.WriteString(strconv.Quote(val))
	case decimal.Decimal:
		b.WriteString(val.String())
	case map[string]any:
		writeJSONObject(b, val)
	case []map[string]any:
		b.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSONObject(b, elem)
		}
		b.WriteByte(']')
	case fmt.Stringer:
		b.WriteString(strconv.Quote(val.String()))
	case int:
		b.WriteString(strconv.Itoa(val))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(val, 'f', -1, 64))
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case nil:
		b.WriteString("null")
	default:
		b.WriteString(strconv.Quote(fmt.Sprint(val)))
	}
}

// writeJSONObject renders a field map with sorted keys, the same
// determinism guarantee EncodeEvent gives its top-level fields.
func writeJSONObject(b *strings.Builder, fields map[string]any) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sortStrings(keys)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		writeJSONValue(b, fields[k])
	}
	b.WriteByte('}')
}

// Writer serializes outbound events to an underlying pipe, applying the
// class-based backpressure drop policy: if the pipe would block, market
// events are dropped before fill/order_update/account/* events, which
// are always delivered (at the cost of blocking the caller).
type Writer struct {
	mu       sync.Mutex
	out      io.Writer
	dropped  int64
	pending  chan string
	done     chan struct{}
	writeErr error
}

// NewWriter starts a background flush goroutine writing lines to out.
// bufferLen bounds the number of pending non-critical (market) lines
// that may queue before being dropped; critical lines always queue
// (blocking the producer) rather than being dropped.
func NewWriter(out io.Writer, bufferLen int) *Writer {
	if bufferLen <= 0 {
		bufferLen = 1
	}
	w := &Writer{
		out:     out,
		pending: make(chan string, bufferLen),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) run() {
	defer close(w.done)
	for line := range w.pending {
		if _, err := io.WriteString(w.out, line+"\n"); err != nil {
			w.mu.Lock()
			w.writeErr = err
			w.mu.Unlock()
			return
		}
	}
}

// WriteEvent enqueues line for delivery. A market-class line is dropped
// (counted) if the queue is full; any other class blocks until there is
// room, guaranteeing delivery.
func (w *Writer) WriteEvent(eventType, line string) {
	if classOf(eventType) == ClassMarket {
		select {
		case w.pending <- line:
		default:
			w.mu.Lock()
			w.dropped++
			w.mu.Unlock()
		}
		return
	}
	w.pending <- line
}

// Dropped returns the count of market events dropped due to
// backpressure.
func (w *Writer) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Close stops accepting new events and waits for the flush goroutine to
// drain the pending queue.
func (w *Writer) Close() error {
	close(w.pending)
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeErr
}

// Reader scans NDJSON command lines from in, dispatching each parsed
// Command to onCommand. Malformed lines are reported via onParseError
// (a local error event, never propagated as a broadcast event) and
// counted; the stream is never terminated by a parse error.
type Reader struct {
	scanner     *bufio.Scanner
	parseErrors int64
}

// NewReader wraps in for line-oriented command parsing.
func NewReader(in io.Reader) *Reader {
	return &Reader{scanner: bufio.NewScanner(in)}
}

// Run reads until EOF or in returns an error, invoking onCommand for
// each well-formed line and onParseError for each malformed one.
func (r *Reader) Run(onCommand func(Command), onParseError func(line string, err error)) error {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		cmd, err := ParseCommand(line)
		if err != nil {
			r.parseErrors++
			if onParseError != nil {
				onParseError(line, err)
			}
			continue
		}
		onCommand(cmd)
	}
	return r.scanner.Err()
}

// ParseErrors returns the count of malformed lines seen so far.
func (r *Reader) ParseErrors() int64 { return r.parseErrors }
