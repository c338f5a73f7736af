// README: Firebase Cloud Messaging pusher; mirrors user-channel events to the user's device topic.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"firebase.google.com/go/v4/messaging"
)

type FCMPusher struct {
	client *messaging.Client
}

func NewFCMPusher(client *messaging.Client) *FCMPusher {
	return &FCMPusher{client: client}
}

// UserTopic is the FCM topic a user's devices subscribe to.
func UserTopic(userID string) string { return "user_" + userID }

func (p *FCMPusher) Push(ctx context.Context, userID, event string, payload json.RawMessage) error {
	msg := &messaging.Message{
		Topic: UserTopic(userID),
		Data: map[string]string{
			"event":   event,
			"payload": string(payload),
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	if _, err := p.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("fcm send to %s: %w", msg.Topic, err)
	}
	return nil
}
