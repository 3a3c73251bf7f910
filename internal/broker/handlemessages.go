package broker

import (
	"fmt"
	"unicode/utf8"

	"github.com/perti/swim/internal/event"
	"github.com/perti/swim/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// handleMessage processes one inbound text frame from a client
func (b *Broker) handleMessage(c *Client, data []byte) {

	c.Received(len(data))
	metrics.FramesReceived.Inc()

	if len(data) > b.config.MaxFrameSize {
		c.sendError(MessageTooLarge, fmt.Sprintf("frame of %d bytes exceeds limit of %d bytes", len(data), b.config.MaxFrameSize))
		return
	}

	if !utf8.Valid(data) {
		c.Close(CloseInvalidPayload, "frame is not valid UTF-8")
		return
	}

	limits := b.config.Tiers.Get(c.Tier())

	if !c.CheckRateLimit(limits.MaxMessagesPerSecond) {
		c.sendError(RateLimited, fmt.Sprintf("rate limit of %d messages per second exceeded", limits.MaxMessagesPerSecond))
		return
	}

	req, rerr := ParseRequest(data)

	if rerr != nil {
		c.sendError(rerr.Code, rerr.Message)
		return
	}

	switch r := req.(type) {

	case SubscribeRequest:

		channels, err := b.index.Subscribe(c.ID, r.Channels, r.Filters)
		if err != nil {
			c.sendError(errorCodeFor(err), err.Error())
			return
		}

		log.WithFields(log.Fields{"client_id": c.ID, "channels": channels}).Debug("subscribed")

		c.sendFrame(SubscribedFrame{
			Type:     "subscribed",
			Channels: channels,
			Filters:  b.index.Filters(c.ID),
		})

	case UnsubscribeRequest:

		removed := b.index.Unsubscribe(c.ID, r.Channels)

		log.WithFields(log.Fields{"client_id": c.ID, "channels": removed}).Debug("unsubscribed")

		c.sendFrame(UnsubscribedFrame{
			Type:     "unsubscribed",
			Channels: removed,
		})

	case PingRequest:

		c.sendFrame(PongFrame{
			Type:      "pong",
			Timestamp: b.Now().UTC().Format(event.TimeFormat),
		})

	case StatusRequest:

		c.sendFrame(StatusFrame{
			Type:             "status",
			ClientID:         c.ID,
			Tier:             c.Tier(),
			ConnectedAt:      c.ConnectedAt.UTC().Format(event.TimeFormat),
			Subscriptions:    b.index.Channels(c.ID),
			Filters:          b.index.Filters(c.ID),
			MessagesSent:     c.MessagesSent(),
			MessagesReceived: c.MessagesReceived(),
		})

	case UnknownRequest:

		c.sendError(UnknownAction, fmt.Sprintf("unknown action %q", r.Action))

	default:
		panic(fmt.Sprintf("unhandled request type %T", req))
	}
}
