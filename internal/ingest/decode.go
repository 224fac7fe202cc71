package ingest

import (
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tapewire/tapewire/errs"
	"github.com/tapewire/tapewire/internal/schema"
)

const decodeComponent = "ingest/decode"

// Decoder maps upstream wire records to events. Wire records are JSON in the
// same shape as the outbound event envelope; fields absent from a record stay
// null and never make downstream filter evaluation panic.
type Decoder struct {
	ordersTopic     string
	executionsTopic string
}

// NewDecoder builds a decoder routing records by topic.
func NewDecoder(ordersTopic, executionsTopic string) *Decoder {
	return &Decoder{ordersTopic: ordersTopic, executionsTopic: executionsTopic}
}

// Decode converts one record into an event, validating the envelope. Any
// failure is a poison message for the caller to account.
func (d *Decoder) Decode(topic string, value []byte) (*schema.Event, error) {
	var evt schema.Event
	if err := json.Unmarshal(value, &evt); err != nil {
		return nil, errs.PoisonMessage(decodeComponent, topic, err)
	}
	if evt.EventID <= 0 {
		return nil, errs.New(decodeComponent, errs.CodeInvalid,
			errs.WithKind(errs.KindUpstreamPoison),
			errs.WithMetaField("topic", topic),
			errs.WithMessage("record missing eventId"))
	}
	switch topic {
	case d.ordersTopic:
		if evt.Order == nil {
			return nil, errs.New(decodeComponent, errs.CodeInvalid,
				errs.WithKind(errs.KindUpstreamPoison),
				errs.WithMetaField("topic", topic),
				errs.WithMessage("order record missing payload"))
		}
		evt.Execution = nil
	case d.executionsTopic:
		if evt.Execution == nil {
			return nil, errs.New(decodeComponent, errs.CodeInvalid,
				errs.WithKind(errs.KindUpstreamPoison),
				errs.WithMetaField("topic", topic),
				errs.WithMessage("execution record missing payload"))
		}
	default:
		return nil, errs.New(decodeComponent, errs.CodeInvalid,
			errs.WithKind(errs.KindUpstreamPoison),
			errs.WithMetaField("topic", topic),
			errs.WithMessage("record from unknown topic"))
	}
	if evt.EventTime.IsZero() {
		evt.EventTime = time.Now().UTC()
	}
	return &evt, nil
}

// poisonGate tolerates a bounded rate of undecodable records. Each poison
// record spends one token; when the bucket is empty the consumer must stop
// skipping and go into backoff.
type poisonGate struct {
	limiter *rate.Limiter
}

// newPoisonGate allows `allowance` poison records per `window`, with a burst
// of the full allowance.
func newPoisonGate(allowance int, window time.Duration) *poisonGate {
	if allowance <= 0 {
		allowance = 1
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &poisonGate{
		limiter: rate.NewLimiter(rate.Limit(float64(allowance)/window.Seconds()), allowance),
	}
}

// admit records one poison message and reports whether the consumer may keep
// going. False means the threshold was breached within the window.
func (g *poisonGate) admit() bool {
	return g.limiter.Allow()
}
