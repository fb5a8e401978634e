package taskwire

import (
	"time"

	"github.com/UniQw/taskwire/protocol"
)

type options struct {
	id            string
	countdown     time.Duration
	eta           time.Time
	expires       time.Time
	maxRetries    *int
	timeLimit     *time.Duration
	queue         string
	priority      int
	contentType   string
	compression   string
	correlationID string
	replyTo       string
	origin        string
}

// Option is a function that configures one invocation sent by Client.Send.
type Option func(*options)

// TaskID sets a custom invocation ID. If not provided, a random UUID is generated.
func TaskID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// Countdown delays delivery by d from the time of sending.
func Countdown(d time.Duration) Option {
	return func(o *options) {
		o.countdown = d
	}
}

// ETA sets the earliest delivery time. It overrides Countdown.
func ETA(t time.Time) Option {
	return func(o *options) {
		o.eta = t
	}
}

// ExpireIn sets a relative expiry. A worker rejects the message instead of
// running it once the expiry has passed.
func ExpireIn(d time.Duration) Option {
	return func(o *options) {
		o.expires = time.Now().Add(d)
	}
}

// Expires sets an absolute expiry.
func Expires(t time.Time) Option {
	return func(o *options) {
		o.expires = t
	}
}

// MaxRetries overrides the task's retry limit for this invocation.
func MaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = &n
	}
}

// TimeLimit overrides the task's timeout for this invocation.
func TimeLimit(d time.Duration) Option {
	return func(o *options) {
		o.timeLimit = &d
	}
}

// Queue sends to q regardless of the configured routes.
func Queue(q string) Option {
	return func(o *options) {
		o.queue = q
	}
}

// Priority orders delivery within a queue: positive values go first,
// negative values last.
func Priority(p int) Option {
	return func(o *options) {
		o.priority = p
	}
}

// ContentType selects the body serializer, e.g. protocol.ContentTypeMsgpack.
func ContentType(ct string) Option {
	return func(o *options) {
		o.contentType = ct
	}
}

// Compression selects the body compressor, e.g. protocol.CompressionZstd.
func Compression(name string) Option {
	return func(o *options) {
		o.compression = name
	}
}

// CorrelationID sets the correlation id. It defaults to the invocation id.
func CorrelationID(id string) Option {
	return func(o *options) {
		o.correlationID = id
	}
}

// ReplyTo names where a reply to this invocation should go.
func ReplyTo(to string) Option {
	return func(o *options) {
		o.replyTo = to
	}
}

// Origin overrides the producer name carried in the headers.
func Origin(origin string) Option {
	return func(o *options) {
		o.origin = origin
	}
}

// apply copies the options onto msg and returns the ETA to publish with.
func (o *options) apply(msg *protocol.Message, now time.Time) time.Time {
	if o.id != "" {
		msg.ID = o.id
		msg.RootID = o.id
		msg.Properties.CorrelationID = o.id
	}
	if o.correlationID != "" {
		msg.Properties.CorrelationID = o.correlationID
	}
	msg.Properties.ReplyTo = o.replyTo
	if o.contentType != "" {
		msg.Properties.ContentType = o.contentType
		msg.Properties.ContentEncoding = ""
	}
	msg.Properties.Compression = o.compression
	if o.origin != "" {
		msg.Origin = o.origin
	}
	msg.MaxRetries = o.maxRetries
	msg.TimeLimit = o.timeLimit
	if !o.expires.IsZero() {
		exp := o.expires.UTC()
		msg.Expires = &exp
	}

	eta := o.eta
	if eta.IsZero() && o.countdown > 0 {
		eta = now.Add(o.countdown)
	}
	if !eta.IsZero() {
		eta = eta.UTC()
		msg.ETA = &eta
	}
	return eta
}
