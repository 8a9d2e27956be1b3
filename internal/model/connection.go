package model

import "time"

// ChannelStatus is the lifecycle state of the realtime channel
type ChannelStatus string

const (
	ChannelConnecting ChannelStatus = "CONNECTING"
	ChannelOpen       ChannelStatus = "OPEN"
	ChannelClosing    ChannelStatus = "CLOSING"
	ChannelClosed     ChannelStatus = "CLOSED"
)

// ConnectionState tracks one realtime channel
type ConnectionState struct {
	Status         ChannelStatus `json:"status"`
	Connected      bool          `json:"connected"`
	LastConnected  *time.Time    `json:"lastConnected,omitempty"`
	ReconnectCount int           `json:"reconnectCount"`
	LastError      string        `json:"lastError,omitempty"`
}

// ChangeEvent is the kind of row change a subscription listens for
type ChangeEvent string

const (
	EventInsert ChangeEvent = "INSERT"
	EventUpdate ChangeEvent = "UPDATE"
	EventDelete ChangeEvent = "DELETE"
	EventAll    ChangeEvent = "*"
)

// SubscriptionSpec selects the row changes delivered to a subscription
type SubscriptionSpec struct {
	Table  string            `json:"table"`
	Filter map[string]string `json:"filter,omitempty"`
	Event  ChangeEvent       `json:"event"`
}

// Change is one row change delivered by the remote store
type Change struct {
	Table  string      `json:"table"`
	Event  ChangeEvent `json:"event"`
	Record Row         `json:"record"`
}

// Matches reports whether the change is selected by the subscription
func (s SubscriptionSpec) Matches(c Change) bool {
	if s.Table != c.Table {
		return false
	}
	if s.Event != "" && s.Event != EventAll && s.Event != c.Event {
		return false
	}
	for field, want := range s.Filter {
		got, ok := c.Record[field]
		if !ok {
			return false
		}
		if str, ok := got.(string); !ok || str != want {
			return false
		}
	}
	return true
}
