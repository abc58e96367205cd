package session

import "time"

// mediaFrameLimiter shields the transcription socket from inbound floods.
// Telephony streams pace themselves at 50 frames of 160 mu-law bytes per
// second, so a well-behaved peer never trips it; it sheds traffic from
// broken or hostile clients.
type mediaFrameLimiter struct {
	now    func() time.Time
	frames *tokenBucket
	bytes  *tokenBucket
	last   time.Time
}

// tokenBucket refills at rate tokens per second up to burst. Fractional
// refill progress is kept as leftover nanoseconds so slow tick rates do not
// starve the bucket.
type tokenBucket struct {
	rate     int64
	burst    int64
	tokens   int64
	leftover int64
}

func newTokenBucket(rate, burstSeconds int64) *tokenBucket {
	if rate <= 0 {
		return nil
	}
	burst := rate * burstSeconds
	return &tokenBucket{rate: rate, burst: burst, tokens: burst}
}

func (b *tokenBucket) refill(elapsed time.Duration) {
	if b == nil {
		return
	}
	nanos := b.leftover + elapsed.Nanoseconds()
	add := (nanos * b.rate) / int64(time.Second)
	b.leftover = nanos - (add*int64(time.Second))/b.rate
	b.tokens += add
	if b.tokens > b.burst {
		b.tokens = b.burst
		b.leftover = 0
	}
}

func (b *tokenBucket) take(n int64) bool {
	if b == nil {
		return true
	}
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

func (b *tokenBucket) has(n int64) bool {
	return b == nil || b.tokens >= n
}

func newMediaFrameLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *mediaFrameLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	return &mediaFrameLimiter{
		now:    now,
		frames: newTokenBucket(int64(fps), int64(burstSeconds)),
		bytes:  newTokenBucket(bps, int64(burstSeconds)),
		last:   now(),
	}
}

// Allow reports whether one media frame of the given payload size may pass.
// A nil limiter admits everything. Both buckets must have room before either
// is charged, so a byte-starved frame does not burn a frame token.
func (l *mediaFrameLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	if frameBytes < 0 {
		frameBytes = 0
	}

	now := l.now()
	if elapsed := now.Sub(l.last); elapsed > 0 {
		l.frames.refill(elapsed)
		l.bytes.refill(elapsed)
		l.last = now
	}

	if !l.frames.has(1) || !l.bytes.has(int64(frameBytes)) {
		return false
	}
	l.frames.take(1)
	l.bytes.take(int64(frameBytes))
	return true
}
