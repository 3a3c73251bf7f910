package broker

import (
	"errors"

	"github.com/goccy/go-json"
	"github.com/perti/swim/internal/subscription"
)

// Request is one of the client request kinds below
type Request interface {
	isRequest()
}

// SubscribeRequest adds channels and merges filters
type SubscribeRequest struct {
	Channels []string
	Filters  subscription.Filters
}

// UnsubscribeRequest removes channels, or every channel if none are listed
type UnsubscribeRequest struct {
	Channels []string
}

// PingRequest asks for a pong
type PingRequest struct{}

// StatusRequest asks for the session's own metadata
type StatusRequest struct{}

// UnknownRequest carries an action the server does not support
type UnknownRequest struct {
	Action string
}

func (SubscribeRequest) isRequest()   {}
func (UnsubscribeRequest) isRequest() {}
func (PingRequest) isRequest()        {}
func (StatusRequest) isRequest()      {}
func (UnknownRequest) isRequest()     {}

// RequestError is a fault found while parsing a request
type RequestError struct {
	Code    ErrorCode
	Message string
}

func (e *RequestError) Error() string {
	return string(e.Code) + ": " + e.Message
}

type rawRequest struct {
	Action   *string         `json:"action"`
	Channels json.RawMessage `json:"channels"`
	Filters  json.RawMessage `json:"filters"`
}

// ParseRequest decodes a client frame. Subscribe requests are fully
// validated here so that nothing is installed from an invalid request.
func ParseRequest(frame []byte) (Request, *RequestError) {

	var raw rawRequest

	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, &RequestError{InvalidJSON, "frame is not a JSON object"}
	}

	if raw.Action == nil || *raw.Action == "" {
		return nil, &RequestError{InvalidRequest, "action is required"}
	}

	switch *raw.Action {

	case "subscribe":

		channels, rerr := parseChannels(raw.Channels)
		if rerr != nil {
			return nil, rerr
		}

		if err := subscription.ValidateChannels(channels); err != nil {
			return nil, &RequestError{InvalidChannel, err.Error()}
		}

		filters, err := subscription.ParseFilters(raw.Filters)
		if err != nil {
			return nil, &RequestError{InvalidFilter, err.Error()}
		}

		return SubscribeRequest{Channels: channels, Filters: filters}, nil

	case "unsubscribe":

		channels, rerr := parseChannels(raw.Channels)
		if rerr != nil {
			return nil, rerr
		}

		return UnsubscribeRequest{Channels: channels}, nil

	case "ping":
		return PingRequest{}, nil

	case "status":
		return StatusRequest{}, nil

	default:
		return UnknownRequest{Action: *raw.Action}, nil
	}
}

// parseChannels accepts a missing or null list as empty
func parseChannels(raw json.RawMessage) ([]string, *RequestError) {

	if len(raw) == 0 || string(raw) == "null" {
		return []string{}, nil
	}

	var channels []string

	if err := json.Unmarshal(raw, &channels); err != nil {
		return nil, &RequestError{InvalidRequest, "channels must be an array of strings"}
	}

	return channels, nil
}

// errorCodeFor maps a subscription error to the code sent to the client
func errorCodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, subscription.ErrInvalidChannel):
		return InvalidChannel
	case errors.Is(err, subscription.ErrInvalidFilter):
		return InvalidFilter
	default:
		return InvalidRequest
	}
}
