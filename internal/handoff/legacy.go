package handoff

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"broker-dispatch/internal/breaker"
	"broker-dispatch/internal/chatwoot"
	"broker-dispatch/internal/logging"
	"broker-dispatch/internal/models"
	"broker-dispatch/internal/responder"
)

// MessagePoster posts into a conversation.
type MessagePoster interface {
	PostMessage(ctx context.Context, conversationID int64, p chatwoot.MessagePayload) (chatwoot.Message, error)
}

// EchoRecorder remembers bot messages so webhooks can drop their echoes.
type EchoRecorder interface {
	Record(ctx context.Context, conversationID, messageID int64, content string) error
}

// SyncEngager is the legacy pipeline: it writes the broker's opening message
// inside the request instead of queueing it. It also answers incoming
// messages when the queue is unreachable.
type SyncEngager struct {
	chat      MessagePoster
	breaker   *breaker.Breaker
	responder responder.Responder
	echo      EchoRecorder
	log       zerolog.Logger
}

func NewSyncEngager(chat MessagePoster, b *breaker.Breaker, r responder.Responder, echo EchoRecorder) *SyncEngager {
	return &SyncEngager{
		chat:      chat,
		breaker:   b,
		responder: r,
		echo:      echo,
		log:       logging.WithComponent("legacy"),
	}
}

// Greet posts the persona greeting for a new conversation.
func (e *SyncEngager) Greet(ctx context.Context, conversationID int64, p models.BrokerPersona, lead models.ProcessedLeadData) error {
	return e.reply(ctx, conversationID, responder.Request{Persona: p, Lead: lead, Greeting: true})
}

// Reply answers one contact message.
func (e *SyncEngager) Reply(ctx context.Context, conversationID int64, p models.BrokerPersona, lead models.ProcessedLeadData, message string) error {
	return e.reply(ctx, conversationID, responder.Request{Persona: p, Lead: lead, UserMessage: message})
}

func (e *SyncEngager) reply(ctx context.Context, conversationID int64, req responder.Request) error {
	r, err := e.responder.Reply(ctx, req)
	if err != nil {
		return fmt.Errorf("legacy reply: %w", err)
	}
	msg, err := breaker.Call(ctx, e.breaker, func(ctx context.Context) (chatwoot.Message, error) {
		return e.chat.PostMessage(ctx, conversationID, chatwoot.MessagePayload{Content: r.Content, MessageType: "outgoing"})
	})
	if err != nil {
		return fmt.Errorf("legacy send: %w", err)
	}
	if e.echo != nil {
		if err := e.echo.Record(ctx, conversationID, msg.ID, r.Content); err != nil {
			e.log.Warn().Err(err).Int64("conversation_id", conversationID).Msg("echo not recorded")
		}
	}
	e.log.Info().Int64("conversation_id", conversationID).Str("broker", req.Persona.Name).Bool("greeting", req.Greeting).Msg("legacy message sent")
	return nil
}
