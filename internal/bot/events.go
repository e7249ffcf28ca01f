package bot

import "github.com/nicklaw5/helix/v2"

// Event types the facade knows how to subscribe to.
const (
	EventChatMessage = "channel.chat.message"
	EventFollow      = "channel.follow"
	EventSubscribe   = "channel.subscribe"
	EventRaid        = "channel.raid"
)

// Scopes every bot run requests regardless of event types: bot presence in
// the channel and the ability to send chat messages back.
var baseScopes = []string{"user:bot", "channel:bot", "user:write:chat"}

// eventSpec describes how one supported event type maps onto the remote
// subscription API: payload version, required scopes, and condition.
type eventSpec struct {
	version   string
	scopes    []string
	condition func(broadcasterID, botUserID string) helix.EventSubCondition
}

var supportedEvents = map[string]eventSpec{
	EventChatMessage: {
		version: "1",
		scopes:  []string{"user:read:chat"},
		condition: func(broadcasterID, botUserID string) helix.EventSubCondition {
			return helix.EventSubCondition{BroadcasterUserID: broadcasterID, UserID: botUserID}
		},
	},
	EventFollow: {
		version: "2",
		scopes:  []string{"moderator:read:followers"},
		condition: func(broadcasterID, botUserID string) helix.EventSubCondition {
			return helix.EventSubCondition{BroadcasterUserID: broadcasterID, ModeratorUserID: botUserID}
		},
	},
	EventSubscribe: {
		version: "1",
		scopes:  []string{"channel:read:subscriptions"},
		condition: func(broadcasterID, _ string) helix.EventSubCondition {
			return helix.EventSubCondition{BroadcasterUserID: broadcasterID}
		},
	},
	EventRaid: {
		version: "1",
		scopes:  nil,
		condition: func(broadcasterID, _ string) helix.EventSubCondition {
			return helix.EventSubCondition{ToBroadcasterUserID: broadcasterID}
		},
	},
}
