package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/shared-state-engine/internal/sequence"
	"github.com/example/shared-state-engine/internal/types"
	"github.com/example/shared-state-engine/internal/wire"
	"github.com/example/shared-state-engine/internal/ws"
)

type latencySample struct {
	dur time.Duration
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "websocket address to target")
	document := flag.String("document", "doc-loadtest", "document id used by all sessions")
	sessions := flag.Int("sessions", 1000, "number of concurrent websocket sessions")
	edits := flag.Int("edits", 20, "number of character inserts to send")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between inserts")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("document", *document).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	latencyCh := make(chan latencySample, *sessions**edits)
	var wg sync.WaitGroup

	u, err := url.Parse(*addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid websocket address")
	}

	// listener sessions connect first; session zero is the writer
	for i := 0; i < *sessions; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			siteID := fmt.Sprintf("site-%04d", id)
			target := *u
			q := target.Query()
			q.Set("document_id", *document)
			q.Set("site_id", siteID)
			target.RawQuery = q.Encode()
			conn, _, err := dialer.DialContext(ctx, target.String(), nil)
			if err != nil {
				logger.Error().Err(err).Str("site", siteID).Msg("dial failed")
				return
			}
			defer conn.Close()

			go readerLoop(ctx, conn, latencyCh, logger)

			if id == 0 {
				writerLoop(ctx, conn, *document, siteID, *edits, *interval, logger)
				stop()
			} else {
				<-ctx.Done()
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(latencyCh)
	}()

	<-ctx.Done()
	report(latencyCh, logger)
}

// writerLoop drives a real local replica so the emitted ops carry valid
// predecessors, appending one character per tick.
func writerLoop(ctx context.Context, conn *websocket.Conn, document, siteID string, edits int, interval time.Duration, logger zerolog.Logger) {
	doc := sequence.NewDocument(types.SiteID(siteID))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < edits; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			op := doc.InsertChar(doc.Length(), "x")
			msg := ws.Message{
				Document:  types.DocumentID(document),
				Operation: types.OperationID(fmt.Sprintf("%s@%s", op.ID, time.Now().UTC().Format(time.RFC3339Nano))),
				Site:      types.SiteID(siteID),
				Envelope:  wire.Envelope{Text: &op},
			}
			if err := conn.WriteJSON(msg); err != nil {
				logger.Error().Err(err).Msg("failed to send insert")
				return
			}
		}
	}
}

func readerLoop(ctx context.Context, conn *websocket.Conn, latencies chan<- latencySample, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var msg ws.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("read error")
			}
			return
		}

		// the writer embeds its send time after the '@' in the operation id
		opID := string(msg.Operation)
		for i := 0; i < len(opID); i++ {
			if opID[i] == '@' {
				if ts, err := time.Parse(time.RFC3339Nano, opID[i+1:]); err == nil {
					latencies <- latencySample{dur: time.Since(ts)}
				}
				break
			}
		}
	}
}

func report(samples <-chan latencySample, logger zerolog.Logger) {
	var count int
	var total time.Duration
	var max time.Duration
	var under50ms int

	for s := range samples {
		count++
		total += s.dur
		if s.dur > max {
			max = s.dur
		}
		if s.dur < 50*time.Millisecond {
			under50ms++
		}
	}

	if count == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	pct := (float64(under50ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "Samples: %d\nAvg latency: %s\nMax latency: %s\n<50ms: %.2f%%\n", count, avg, max, pct)
	if pct < 95 {
		logger.Warn().Msg("less than 95% of edit broadcasts met the 50ms target")
	}
}
