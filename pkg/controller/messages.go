package controller

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/edvahn/kvm-stream-gate/pkg/gateway"
	"github.com/edvahn/kvm-stream-gate/pkg/sdp"
)

// Message is the JSON body of a plugin request.
type Message struct {
	Request string         `json:"request"`
	Params  *MessageParams `json:"params,omitempty"`
}

// MessageParams tunes per-session media on start/watch requests.
type MessageParams struct {
	Audio       *bool   `json:"audio,omitempty"`
	Mic         *bool   `json:"mic,omitempty"`
	Orientation *uint32 `json:"orientation,omitempty"`
}

// event shapes pushed back through the gateway.
type statusEvent struct {
	UStreamer string       `json:"ustreamer"`
	Result    statusResult `json:"result"`
}

type statusResult struct {
	Status string `json:"status"`
}

type errorEvent struct {
	UStreamer string `json:"ustreamer"`
	ErrorCode int    `json:"error_code"`
	Error     string `json:"error"`
}

type jsepOffer struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// HandleMessage processes one signalling request and answers with an
// asynchronous event. The returned error covers transport problems only;
// protocol-level failures travel inside the event.
func (c *Controller) HandleMessage(handle gateway.Handle, transaction string, raw json.RawMessage) error {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return c.pushError(handle, transaction, 400, "Request not an object")
	}
	if msg.Request == "" {
		return c.pushError(handle, transaction, 400, "Request missing")
	}

	switch msg.Request {
	case "start":
		c.applyParams(handle, msg.Params)
		return c.pushStatus(handle, transaction, "started", nil)

	case "stop":
		c.mu.Lock()
		if s, ok := c.sessions[handle]; ok {
			s.SetTransmitACap(false)
			s.SetTransmitAPlay(false)
		}
		c.mu.Unlock()
		return c.pushStatus(handle, transaction, "stopped", nil)

	case "watch":
		c.applyParams(handle, msg.Params)

		mic := c.PlaybackEnabled()
		if msg.Params != nil && msg.Params.Mic != nil {
			mic = mic && *msg.Params.Mic
		}

		offer, err := sdp.Offer(c.rtpv, c.rtpa, mic)
		if err != nil {
			if errors.Is(err, sdp.ErrNoParams) {
				return c.pushError(handle, transaction, 503, "Haven't received SPS/PPS from memsink yet")
			}
			return c.pushError(handle, transaction, 500, fmt.Sprintf("Can't generate SDP: %v", err))
		}

		jsep, err := json.Marshal(jsepOffer{Type: "offer", SDP: offer})
		if err != nil {
			return fmt.Errorf("marshal jsep: %w", err)
		}
		return c.pushStatus(handle, transaction, "started", jsep)

	default:
		return c.pushError(handle, transaction, 405, "Not implemented")
	}
}

// applyParams updates the per-session media switches named in the request.
func (c *Controller) applyParams(handle gateway.Handle, params *MessageParams) {
	if params == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[handle]
	if !ok {
		return
	}
	if params.Audio != nil {
		s.SetTransmitACap(*params.Audio && c.acap != nil)
	}
	if params.Mic != nil {
		s.SetTransmitAPlay(*params.Mic && c.mixer != nil)
	}
	if params.Orientation != nil {
		s.SetVideoOrient(*params.Orientation)
	}
}

func (c *Controller) pushStatus(handle gateway.Handle, transaction, status string, jsep json.RawMessage) error {
	event, err := json.Marshal(statusEvent{
		UStreamer: "event",
		Result:    statusResult{Status: status},
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.gw.PushEvent(handle, transaction, event, jsep)
}

func (c *Controller) pushError(handle gateway.Handle, transaction string, code int, reason string) error {
	event, err := json.Marshal(errorEvent{
		UStreamer: "event",
		ErrorCode: code,
		Error:     reason,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.gw.PushEvent(handle, transaction, event, nil)
}
