// Package natsmsg carries task outcome messages (internal/event.Message)
// over NATS for deployments where the job executor reports results
// out-of-process, propagating OTel trace context in message headers.
package natsmsg

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// wireMessage is the JSON body of a task outcome NATS message.
type wireMessage struct {
	Cycle     string    `json:"cycle"`
	Name      string    `json:"name"`
	SubmitNum int       `json:"submit_num"`
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"`
	Text      string    `json:"text"`
}

// Publish injects the caller's trace context into NATS headers and
// publishes one task outcome message on subject.
func Publish(ctx context.Context, nc *nats.Conn, subject string, cycle, name string, submitNum int, severity, text string) error {
	body, err := json.Marshal(wireMessage{
		Cycle: cycle, Name: name, SubmitNum: submitNum,
		Timestamp: time.Now(), Severity: severity, Text: text,
	})
	if err != nil {
		return err
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return nc.PublishMsg(&nats.Msg{Subject: subject, Data: body, Header: hdr})
}

// IngestMessage mirrors event.Message's fields; Subscribe decodes wire
// bytes into this shape and callers convert it to event.Message (kept
// as a distinct type so this package has no import-cycle risk on
// internal/event, which itself may grow a transport-facing dependency
// later).
type IngestMessage struct {
	Cycle     string
	Name      string
	SubmitNum int
	Timestamp time.Time
	Severity  string
	Text      string
}

// Subscribe extracts trace context from each message's headers,
// starts a consumer span, decodes the body, and hands it to ingest.
func Subscribe(nc *nats.Conn, subject string, ingest func(ctx context.Context, msg IngestMessage), log *slog.Logger) (*nats.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}
	tr := otel.Tracer("cyclesched-natsmsg")
	return nc.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		ctx, span := tr.Start(ctx, "natsmsg.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var wm wireMessage
		if err := json.Unmarshal(m.Data, &wm); err != nil {
			log.Error("natsmsg: malformed task outcome message", "subject", subject, "error", err)
			return
		}
		ingest(ctx, IngestMessage{
			Cycle: wm.Cycle, Name: wm.Name, SubmitNum: wm.SubmitNum,
			Timestamp: wm.Timestamp, Severity: wm.Severity, Text: wm.Text,
		})
	})
}
