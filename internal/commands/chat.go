package commands

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hay-kot/criterio"

	"github.com/luciancaetano/relaynet/internal/broker"
	"github.com/luciancaetano/relaynet/internal/protocol"
	"github.com/luciancaetano/relaynet/internal/room"
)

const (
	maxChatName = 32
	maxChatText = 2000
)

// ChatInput is what a client sends as a "chat" event.
type ChatInput struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Validate checks the chat input for errors using criterio.
func (in ChatInput) Validate() error {
	var errs criterio.FieldErrorsBuilder

	if len(in.Name) > maxChatName {
		errs = errs.Append("name", errors.New("too long"))
	}
	if strings.TrimSpace(in.Text) == "" {
		errs = errs.Append("text", errors.New("cannot be empty"))
	} else if len(in.Text) > maxChatText {
		errs = errs.Append("text", errors.New("too long"))
	}

	return errs.ToError()
}

// ChatMessage is what every session in the room receives.
type ChatMessage struct {
	SessionID string `json:"sessionId"`
	Room      string `json:"room,omitempty"`
	Name      string `json:"name,omitempty"`
	Text      string `json:"text"`
	SentAt    int64  `json:"sentAt"`
}

// ChatEvents is the demo event set relayd serves.
func ChatEvents() *broker.Events {
	events := broker.NewEvents()
	broker.MustHandle(events, "chat", broker.Event[ChatInput]{
		Input: broker.JSONInput[ChatInput](),
		Resolve: func(ctx context.Context, in ChatInput, h broker.Helpers) error {
			out := ChatMessage{
				SessionID: h.Session.ID(),
				Name:      in.Name,
				Text:      in.Text,
				SentAt:    time.Now().UnixMilli(),
			}
			if rc, ok := h.Context.(room.Context); ok {
				out.Room = rc.RoomID
			}

			msg, err := protocol.NewMessage("chat", out)
			if err != nil {
				return err
			}
			return h.Broadcast(ctx, msg)
		},
	})
	return events
}
