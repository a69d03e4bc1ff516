package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"broker-dispatch/internal/logging"
	"broker-dispatch/internal/models"
)

// Slack posts alerts to an incoming webhook.
type Slack struct {
	http      *resty.Client
	url       string
	dashboard string
	log       zerolog.Logger
}

// NewSlack returns nil when no webhook is configured.
func NewSlack(webhookURL, publicURL string) *Slack {
	if webhookURL == "" {
		return nil
	}
	return &Slack{
		http:      resty.New().SetTimeout(5 * time.Second).SetHeader("Content-Type", "application/json"),
		url:       webhookURL,
		dashboard: strings.TrimRight(publicURL, "/") + "/api/admin/sla",
		log:       logging.WithComponent("alerting"),
	}
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields,omitempty"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

// Notify sends critical alerts. Warnings stay in logs and events.
func (s *Slack) Notify(ctx context.Context, alerts []models.Alert) error {
	if s == nil {
		return nil
	}
	var critical []slackAttachment
	for _, a := range alerts {
		if a.Severity != models.SeverityCritical {
			continue
		}
		critical = append(critical, slackAttachment{
			Color: "danger",
			Title: fmt.Sprintf("[%s] %s", strings.ToUpper(a.Category), a.Message),
			Text:  a.Details,
			Fields: []slackField{
				{Title: "Metric", Value: a.Metric, Short: true},
				{Title: "Value", Value: fmt.Sprintf("%.2f (threshold %.2f)", a.Value, a.Threshold), Short: true},
			},
			Ts: a.Timestamp.Unix(),
		})
	}
	if len(critical) == 0 {
		return nil
	}

	resp, err := s.http.R().SetContext(ctx).SetBody(slackMessage{
		Text:        fmt.Sprintf("Broker dispatch: %d critical alert(s). Dashboard: %s", len(critical), s.dashboard),
		Attachments: critical,
	}).Post(s.url)
	if err != nil {
		return fmt.Errorf("post slack alert: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode())
	}
	s.log.Info().Int("alerts", len(critical)).Msg("critical alerts sent to slack")
	return nil
}
