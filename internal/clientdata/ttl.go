package clientdata

import "time"

// TTL constants for persistent client data.
// These are added to time.Now() when storing to calculate expires_at.
const (
	// Historical weather for a finished vintage is effectively static, but a
	// bounded lifetime forces periodic revalidation against the provider.
	TTLWeather = 30 * 24 * time.Hour

	// Idempotency records must survive at least 24h of replays.
	TTLIdempotency = 24 * time.Hour
)
