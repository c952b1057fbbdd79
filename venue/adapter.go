// Package venue defines the protocol adapter contract that connection
// managers are generic over. One adapter exists per supported platform;
// adapters translate between venue wire frames and normalized market events.
package venue

import (
	"predictflow/models"
)

// Adapter is the capability set a platform must provide. Implementations
// are stateless apart from credentials and may be shared by one connection
// manager and its tests.
type Adapter interface {
	// Venue identifies the platform this adapter speaks for.
	Venue() models.Venue

	// URL is the websocket endpoint to dial.
	URL() string

	// AuthPayload builds the authentication frame. The second return is
	// false when the venue needs no authentication (nothing to send).
	AuthPayload() ([]byte, bool, error)

	// AuthRequired reports whether an authentication failure must tear
	// the connection down. When false, failures are logged and the
	// connection proceeds with public data only.
	AuthRequired() bool

	// SubscribePayload builds the subscribe frame for a channel string.
	SubscribePayload(channel string) ([]byte, error)

	// UnsubscribePayload builds the unsubscribe frame for a channel string.
	UnsubscribePayload(channel string) ([]byte, error)

	// MarketChannels expands a market subscription into venue channel
	// strings for the requested feeds.
	MarketChannels(marketID string, orderbook, trades bool) []string

	// Parse translates one inbound frame into a normalized event. It
	// returns false for frames that produce no event: venue status and
	// ack messages, and malformed input. Parse failures are non-fatal;
	// the caller logs and keeps reading.
	Parse(raw []byte) (models.MarketEvent, bool)
}
