package twitch

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// chatAPI is the subset of HelixClient used by the Sender.
type chatAPI interface {
	SendChatMessage(ctx context.Context, broadcasterID, senderID, message string) error
}

// Sender is the "send message" capability injected into handlers. A circuit
// breaker keeps handlers from hammering a failing chat API.
type Sender struct {
	api           chatAPI
	breaker       *gobreaker.CircuitBreaker
	broadcasterID string
	senderID      string
}

func NewSender(api chatAPI, broadcasterID, senderID string) *Sender {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "helix-chat",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Sender{
		api:           api,
		breaker:       breaker,
		broadcasterID: broadcasterID,
		senderID:      senderID,
	}
}

// Send posts a message to the broadcaster's chat.
func (s *Sender) Send(ctx context.Context, message string) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.api.SendChatMessage(ctx, s.broadcasterID, s.senderID, message)
	})
	if err != nil {
		return fmt.Errorf("send chat message failed: %w", err)
	}
	return nil
}
