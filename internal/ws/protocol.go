package ws

import "time"

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
	// A peer that sends nothing, pongs included, for this long is dropped.
	defaultPongWait = 60 * time.Second
	// Pings go out this often; must be less than the pong wait.
	defaultPingPeriod = 30 * time.Second
	// Inbound frames are ignored; anything larger than this is a protocol error.
	maxInboundSize = 4096
	// Largest accepted POST /overlay/message body.
	maxMessageBody = 64 << 10
)

// PublishResponse is the body of a successful POST /overlay/message.
type PublishResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
