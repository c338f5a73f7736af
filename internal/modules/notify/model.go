// README: Fan-out channels, envelopes and event names.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"courier/internal/types"
)

type ChannelKind string

const (
	ChannelUser     ChannelKind = "user"
	ChannelOrder    ChannelKind = "order"
	ChannelBusiness ChannelKind = "business"
)

type Channel struct {
	Kind ChannelKind `json:"kind"`
	ID   string      `json:"id"`
}

func UserChannel(id types.ID) Channel     { return Channel{Kind: ChannelUser, ID: string(id)} }
func OrderChannel(id types.ID) Channel    { return Channel{Kind: ChannelOrder, ID: string(id)} }
func BusinessChannel(id types.ID) Channel { return Channel{Kind: ChannelBusiness, ID: string(id)} }

func (c Channel) Key() string { return string(c.Kind) + ":" + c.ID }

func (c Channel) String() string { return c.Key() }

func ParseChannel(kind, id string) (Channel, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Channel{}, fmt.Errorf("channel id is required")
	}
	switch k := ChannelKind(kind); k {
	case ChannelUser, ChannelOrder, ChannelBusiness:
		return Channel{Kind: k, ID: id}, nil
	}
	return Channel{}, fmt.Errorf("unknown channel kind %q", kind)
}

const (
	EventOrderStatus    = "order:status"
	EventOrderNew       = "order:new"
	EventOrderRated     = "order:rated"
	EventOrderDeclined  = "order:declined"
	EventRatingUpdated  = "courier:rating"
	EventLocationUpdate = "location:update"
)

// Envelope is one published event as it travels between instances and out to sessions.
type Envelope struct {
	Channel Channel         `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// clientFrame is what a subscribed session receives.
type clientFrame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

func (e Envelope) frame() ([]byte, error) {
	return json.Marshal(clientFrame{
		Type:    "event",
		Channel: e.Channel.Key(),
		Event:   e.Event,
		Payload: e.Payload,
		At:      e.At,
	})
}
