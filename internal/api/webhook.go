package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"broker-dispatch/internal/chatwoot"
	"broker-dispatch/internal/dispatch"
	"broker-dispatch/internal/echo"
	"broker-dispatch/internal/logging"
	"broker-dispatch/internal/models"
	"broker-dispatch/internal/persona"
	"broker-dispatch/internal/queue"
	"broker-dispatch/internal/telemetry"
)

const maxWebhookBody = 1 << 20

// Skip reasons, also used as metric labels.
const (
	skipEvent      = "event"
	skipOutgoing   = "outgoing"
	skipActivity   = "activity"
	skipEcho       = "echo"
	skipDuplicate  = "duplicate"
	skipPrivate    = "private"
	skipNotContact = "not_contact"
	skipStatus     = "status"
	skipInvalid    = "invalid"
)

var activityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)is reviewing your details`),
	regexp.MustCompile(`(?i)joined the conversation`),
	regexp.MustCompile(`(?i)All AI specialists`),
}

// IncomingEnqueuer queues reply jobs.
type IncomingEnqueuer interface {
	EnqueueIncomingMessage(ctx context.Context, p dispatch.IncomingMessage) (models.ConversationJob, error)
}

// EchoChecker recognises messages the bot itself posted.
type EchoChecker interface {
	IsEcho(ctx context.Context, conversationID, messageID int64, content string) (bool, error)
}

// LegacyReplier answers in-request when the queue is unavailable.
type LegacyReplier interface {
	Reply(ctx context.Context, conversationID int64, p models.BrokerPersona, lead models.ProcessedLeadData, message string) error
}

// WebhookConfig tunes the Chatwoot webhook.
type WebhookConfig struct {
	Secret         string
	LegacyFallback bool
	DedupTTL       time.Duration
}

// WebhookHandler turns Chatwoot message_created deliveries into reply jobs.
type WebhookHandler struct {
	enqueuer IncomingEnqueuer
	echo     EchoChecker
	legacy   LegacyReplier
	catalog  *persona.Catalog
	cfg      WebhookConfig
	seen     *cache.Cache
	log      zerolog.Logger
}

func NewWebhookHandler(enq IncomingEnqueuer, echo EchoChecker, legacy LegacyReplier, catalog *persona.Catalog, cfg WebhookConfig) *WebhookHandler {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 5 * time.Minute
	}
	return &WebhookHandler{
		enqueuer: enq,
		echo:     echo,
		legacy:   legacy,
		catalog:  catalog,
		cfg:      cfg,
		seen:     cache.New(cfg.DedupTTL, 2*cfg.DedupTTL),
		log:      logging.WithComponent("webhook"),
	}
}

// inbound is the slice of a Chatwoot delivery the dispatcher cares about.
type inbound struct {
	event        string
	messageID    int64
	content      string
	messageType  string
	private      bool
	senderType   string
	conversation int64
	contactID    int64
	status       string
	brokerName   string
	lead         models.ProcessedLeadData
}

func parseInbound(body []byte) inbound {
	root := gjson.ParseBytes(body)
	first := func(paths ...string) gjson.Result {
		for _, p := range paths {
			if v := root.Get(p); v.Exists() && v.Type != gjson.Null {
				return v
			}
		}
		return gjson.Result{}
	}

	attrs := root.Get("conversation.custom_attributes")
	loanType := attrs.Get("loan_type").String()
	if loanType == "" {
		loanType = "new_purchase"
	}
	score := 50
	if v := attrs.Get("lead_score"); v.Exists() {
		score = int(v.Int())
	}

	in := inbound{
		event:        root.Get("event").String(),
		messageID:    first("id", "message.id").Int(),
		content:      first("content", "message.content").String(),
		messageType:  normalizeMessageType(first("message_type", "message.message_type")),
		private:      first("private", "message.private").Bool(),
		senderType:   strings.ToLower(first("sender.type", "message.sender.type").String()),
		conversation: root.Get("conversation.id").Int(),
		contactID:    first("conversation.contact_inbox.contact_id", "conversation.meta.sender.id", "sender.id").Int(),
		status:       root.Get("conversation.status").String(),
		brokerName:   attrs.Get("ai_broker_name").String(),
		lead: models.ProcessedLeadData{
			Name:           first("conversation.meta.sender.name", "sender.name").String(),
			Email:          root.Get("conversation.meta.sender.email").String(),
			Phone:          root.Get("conversation.meta.sender.phone_number").String(),
			LoanType:       loanType,
			LeadScore:      score,
			SessionID:      attrs.Get("session_id").String(),
			EmploymentType: attrs.Get("employment_type").String(),
		},
	}
	if in.lead.Name == "" {
		in.lead.Name = "there"
	}
	return in
}

func normalizeMessageType(v gjson.Result) string {
	if v.Type == gjson.Number {
		switch v.Int() {
		case chatwoot.MessageTypeIncoming:
			return "incoming"
		case chatwoot.MessageTypeOutgoing:
			return "outgoing"
		case chatwoot.MessageTypeActivity:
			return "activity"
		}
		return strconv.FormatInt(v.Int(), 10)
	}
	return strings.ToLower(v.String())
}

func isActivityContent(content string) bool {
	for _, re := range activityPatterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

// verifySignature checks the hex HMAC-SHA256 Chatwoot sends with each
// delivery. An empty secret disables the check.
func verifySignature(secret string, body []byte, header string) bool {
	if secret == "" {
		return true
	}
	header = strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	got, err := hex.DecodeString(header)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

type webhookResponse struct {
	Received    bool   `json:"received"`
	Skipped     string `json:"skipped,omitempty"`
	JobID       string `json:"jobId,omitempty"`
	ProcessedBy string `json:"processedBy,omitempty"`
}

func (h *WebhookHandler) skip(w http.ResponseWriter, reason string) {
	telemetry.WebhookSkipped.WithLabelValues(reason).Inc()
	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Skipped: reason})
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !verifySignature(h.cfg.Secret, body, r.Header.Get("X-Chatwoot-Signature")) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	in := parseInbound(body)
	ctx := r.Context()
	log := h.log.With().Int64("conversation_id", in.conversation).Int64("message_id", in.messageID).Logger()

	if in.event != "message_created" {
		h.skip(w, skipEvent)
		return
	}
	if in.messageType == "outgoing" {
		h.skip(w, skipOutgoing)
		return
	}
	if in.messageType == "activity" || isActivityContent(in.content) {
		h.skip(w, skipActivity)
		return
	}
	if h.echo != nil && in.conversation > 0 {
		isEcho, err := h.echo.IsEcho(ctx, in.conversation, in.messageID, in.content)
		if err != nil {
			log.Warn().Err(err).Msg("echo check failed, continuing")
		}
		if isEcho {
			h.skip(w, skipEcho)
			return
		}
	}

	idKey := "id:" + strconv.FormatInt(in.messageID, 10)
	contentKey := "content:" + strconv.FormatInt(in.conversation, 10) + ":" + echo.Fingerprint(in.content)
	if _, ok := h.seen.Get(idKey); ok && in.messageID > 0 {
		h.skip(w, skipDuplicate)
		return
	}
	if _, ok := h.seen.Get(contentKey); ok {
		h.skip(w, skipDuplicate)
		return
	}

	switch {
	case in.messageType != "incoming":
		h.skip(w, skipOutgoing)
		return
	case in.private:
		h.skip(w, skipPrivate)
		return
	case in.senderType != "" && in.senderType != "contact":
		h.skip(w, skipNotContact)
		return
	case !handledStatus(in.status):
		h.skip(w, skipStatus)
		return
	case in.conversation <= 0 || strings.TrimSpace(in.content) == "":
		h.skip(w, skipInvalid)
		return
	}

	if in.messageID > 0 {
		h.seen.SetDefault(idKey, struct{}{})
	}
	h.seen.SetDefault(contentKey, struct{}{})

	p, ok := h.catalog.ByName(in.brokerName)
	if !ok {
		p = h.catalog.Select(in.lead.LeadScore)
	}
	msgID := ""
	if in.messageID > 0 {
		msgID = strconv.FormatInt(in.messageID, 10)
	}

	job, err := h.enqueuer.EnqueueIncomingMessage(ctx, dispatch.IncomingMessage{
		ConversationID: in.conversation,
		ContactID:      in.contactID,
		BrokerName:     p.Name,
		Persona:        &p,
		Lead:           in.lead,
		UserMessage:    in.content,
		MessageID:      msgID,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, JobID: job.ID, ProcessedBy: "queue"})
		return
	case errors.Is(err, queue.ErrDuplicateJob):
		h.skip(w, skipDuplicate)
		return
	case errors.Is(err, dispatch.ErrValidation):
		log.Warn().Err(err).Msg("webhook payload rejected")
		h.skip(w, skipInvalid)
		return
	case !h.cfg.LegacyFallback || h.legacy == nil:
		log.Error().Err(err).Msg("enqueue failed")
		h.forget(idKey, contentKey)
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	telemetry.LegacyFallbacks.Inc()
	log.Warn().Err(err).Msg("enqueue failed, replying through legacy pipeline")
	if err := h.legacy.Reply(ctx, in.conversation, p, in.lead, in.content); err != nil {
		log.Error().Err(err).Msg("legacy reply failed")
		h.forget(idKey, contentKey)
		writeError(w, http.StatusBadGateway, "reply failed")
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Received: true, ProcessedBy: "legacy"})
}

// forget releases the duplicate markers so Chatwoot's redelivery of a
// failed message is processed again.
func (h *WebhookHandler) forget(keys ...string) {
	for _, k := range keys {
		h.seen.Delete(k)
	}
}

func handledStatus(status string) bool {
	switch status {
	case chatwoot.StatusBot, chatwoot.StatusPending, chatwoot.StatusOpen:
		return true
	}
	return false
}
