package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds every instrument the gateway publishes, built once at
// startup and shared by pointer across components (spec §4.4: attempt
// count, Telegram HTTP latency, total send latency, 429 count,
// cache-hit rate, plus scheduler and admission-control counters).
type Metrics struct {
	SendAttempts      metric.Int64Counter
	SendDuration      metric.Float64Histogram
	TelegramDuration  metric.Float64Histogram
	SendRejects429    metric.Int64Counter
	MediaCacheHits    metric.Int64Counter
	MediaCacheMisses  metric.Int64Counter
	PrewarmInFlight   metric.Int64UpDownCounter
	QueueDepth        metric.Int64UpDownCounter
	RateLimitRejects  metric.Int64Counter
	DownsellsFired    metric.Int64Counter
	ShotsDelivered    metric.Int64Counter
	WebhookAckLatency metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SendAttempts, err = meter.Int64Counter("tgway.send.attempts",
		metric.WithDescription("Total send attempts, keyed by tenant and purpose via attributes"),
	)
	if err != nil {
		return nil, err
	}

	m.SendDuration, err = meter.Float64Histogram("tgway.send.duration",
		metric.WithDescription("End-to-end send duration from admission to Telegram acknowledgement"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TelegramDuration, err = meter.Float64Histogram("tgway.telegram.http.duration",
		metric.WithDescription("Telegram Bot API HTTP call duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SendRejects429, err = meter.Int64Counter("tgway.send.rate_limited",
		metric.WithDescription("Sends that received an HTTP 429 from Telegram"),
	)
	if err != nil {
		return nil, err
	}

	m.MediaCacheHits, err = meter.Int64Counter("tgway.media.cache.hits",
		metric.WithDescription("Sends that reused a warm file_id from the media cache"),
	)
	if err != nil {
		return nil, err
	}

	m.MediaCacheMisses, err = meter.Int64Counter("tgway.media.cache.misses",
		metric.WithDescription("Sends that uploaded media in-band because no warm cache entry existed"),
	)
	if err != nil {
		return nil, err
	}

	m.PrewarmInFlight, err = meter.Int64UpDownCounter("tgway.prewarm.inflight",
		metric.WithDescription("Prewarm uploads currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("tgway.sendqueue.depth",
		metric.WithDescription("Current depth of the in-memory priority send buffer"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("tgway.sendqueue.rejects",
		metric.WithDescription("Requests dropped because the priority buffer was full"),
	)
	if err != nil {
		return nil, err
	}

	m.DownsellsFired, err = meter.Int64Counter("tgway.downsell.fired",
		metric.WithDescription("Downsell messages handed off to the send service"),
	)
	if err != nil {
		return nil, err
	}

	m.ShotsDelivered, err = meter.Int64Counter("tgway.shot.delivered",
		metric.WithDescription("Shot recipients successfully enqueued for delivery"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookAckLatency, err = meter.Float64Histogram("tgway.webhook.ack.duration",
		metric.WithDescription("Time from webhook receipt to 200 OK response"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
