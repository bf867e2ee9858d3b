package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"vulnverify/internal/logging"

	"go.uber.org/zap"
)

// RetryOptions bounds the retry policy applied at the oracle boundary.
type RetryOptions struct {
	Timeout    time.Duration // per attempt; zero disables
	MaxRetries int
	Delay      time.Duration // base delay, multiplied by the attempt number
	Logger     *zap.Logger
}

// RetryingOracle wraps an Oracle with a per-call timeout and bounded retries.
// Exhausted retries surface as *OracleCallError.
type RetryingOracle struct {
	next Oracle
	opts RetryOptions
	log  *zap.Logger
}

func NewRetryingOracle(next Oracle, opts RetryOptions) *RetryingOracle {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &RetryingOracle{next: next, opts: opts, log: logging.OrNop(opts.Logger)}
}

func (r *RetryingOracle) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if !waitOrCancel(ctx, r.opts.Delay*time.Duration(attempt)) {
				return "", ctx.Err()
			}
		}
		attempts++

		out, err := r.call(ctx, prompt, opts)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		r.log.Warn("oracle call failed",
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", r.opts.MaxRetries+1),
			zap.Error(err))

		var statusErr *httpStatusError
		if errors.As(err, &statusErr) && !statusErr.retryable() {
			break
		}
	}
	return "", &OracleCallError{Attempts: attempts, Err: lastErr}
}

func (r *RetryingOracle) call(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	if r.opts.Timeout <= 0 {
		return r.next.Generate(ctx, prompt, opts)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	return r.next.Generate(callCtx, prompt, opts)
}

// DefaultFormatAttempts is how many times a structured request is re-issued
// when the oracle answers with something that does not parse.
const DefaultFormatAttempts = 2

// GenerateStructured asks for structured output and hands the cleaned text to
// decode. Decode failures are retried up to attempts times, then reported as
// *OracleFormatError. Call failures are returned unchanged.
func GenerateStructured(ctx context.Context, oracle Oracle, prompt string, attempts int, decode func(string) error) (string, error) {
	if attempts < 1 {
		attempts = 1
	}
	var (
		raw     string
		lastErr error
	)
	for i := 0; i < attempts; i++ {
		out, err := oracle.Generate(ctx, prompt, GenerateOptions{Structured: true})
		if err != nil {
			return "", err
		}
		raw = CleanStructuredOutput(out)
		if raw == "" {
			lastErr = errors.New("empty response")
			continue
		}
		if err := decode(raw); err != nil {
			lastErr = err
			continue
		}
		return raw, nil
	}
	return "", &OracleFormatError{Raw: raw, Err: lastErr}
}

// GenerateJSON is GenerateStructured with encoding/json decoding into v.
func GenerateJSON(ctx context.Context, oracle Oracle, prompt string, v any) (string, error) {
	return GenerateStructured(ctx, oracle, prompt, DefaultFormatAttempts, func(s string) error {
		return json.Unmarshal([]byte(s), v)
	})
}

// CleanStructuredOutput strips markdown code fences and any prose around the
// outermost JSON object.
func CleanStructuredOutput(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if nl := strings.IndexByte(text, '\n'); nl >= 0 && !strings.HasPrefix(strings.TrimSpace(text[:nl]), "{") {
			text = text[nl+1:] // language tag such as "json"
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
