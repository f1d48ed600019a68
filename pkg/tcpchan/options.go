package tcpchan

import "log"

// DecodePolicy selects what the receiver does with a malformed frame on a
// connection that is still alive. A clean peer disconnect is not a decode
// failure and always ends the stream via OnCompleted.
type DecodePolicy int

const (
	// DecodeRetry skips the malformed frame and keeps reading. This is
	// the default. Note that after a framing error the reader may be
	// misaligned with the stream; retrying is best effort.
	DecodeRetry DecodePolicy = iota
	// DecodeFail terminates the stream on the first malformed frame: the
	// observer receives OnCompleted and the decode error is surfaced at
	// Close.
	DecodeFail
)

type options struct {
	decodePolicy     DecodePolicy
	decodeRetryLimit int
	logger           *log.Logger
}

func defaultOptions() options { return options{decodePolicy: DecodeRetry} }

func (o *options) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}

// Option configures a Receiver.
type Option func(*options)

// WithDecodePolicy sets the malformed-frame policy.
func WithDecodePolicy(p DecodePolicy) Option {
	return func(o *options) { o.decodePolicy = p }
}

// WithDecodeRetryLimit bounds DecodeRetry: after n consecutive malformed
// frames the stream fails as under DecodeFail. Zero means no bound.
func WithDecodeRetryLimit(n int) Option {
	return func(o *options) { o.decodeRetryLimit = n }
}

// WithLogger directs drop and decode-retry diagnostics to l. The default is
// silent.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}
