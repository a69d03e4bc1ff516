package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"

	"broker-dispatch/internal/logging"
)

// Completer sends a system and user prompt to a chat model.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// OpenAICompleter calls an OpenAI compatible chat completion endpoint.
type OpenAICompleter struct {
	client *openai.Client
	model  string
}

// NewOpenAICompleter builds a completer. An empty key means unauthenticated
// access, which some self-hosted gateways allow.
func NewOpenAICompleter(baseURL, apiKey, model string) *OpenAICompleter {
	options := []option.RequestOption{option.WithBaseURL(baseURL)}
	if apiKey != "" {
		options = append(options, option.WithAPIKey(apiKey))
	}
	client := openai.NewClient(options...)
	return &OpenAICompleter{client: &client, model: model}
}

// Complete returns the first choice's content.
func (c *OpenAICompleter) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Model: c.model,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Generative writes replies with a chat model and falls back to templates
// whenever the model fails or returns nothing.
type Generative struct {
	completer Completer
	fallback  *Template
	timeout   time.Duration
	log       zerolog.Logger
}

// NewGenerative builds a generative responder.
func NewGenerative(completer Completer, fallback *Template) *Generative {
	return &Generative{
		completer: completer,
		fallback:  fallback,
		log:       logging.WithComponent("responder"),
	}
}

// WithTimeout bounds each model call. Zero leaves only the caller's deadline.
func (g *Generative) WithTimeout(d time.Duration) *Generative {
	g.timeout = d
	return g
}

// Reply tries the model first. Greetings and escalations stay on templates.
func (g *Generative) Reply(ctx context.Context, req Request) (Reply, error) {
	base, _ := g.fallback.Reply(ctx, req)
	if req.Greeting || base.Escalate {
		return base, nil
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	content, err := g.completer.Complete(callCtx, systemPrompt(req), req.UserMessage)
	content = strings.TrimSpace(content)
	if err != nil || content == "" {
		g.log.Warn().Err(err).Str("persona", req.Persona.Name).Msg("generative reply failed, using template")
		return base, nil
	}
	return Reply{Content: content, Intent: base.Intent, Source: "llm"}, nil
}

func systemPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s at a Singapore mortgage brokerage.\n", req.Persona.Name, req.Persona.Title)
	fmt.Fprintf(&b, "Tone: %s. Pacing: %s. Focus: %s.\n",
		req.Persona.ResponseStyle.Tone, req.Persona.ResponseStyle.Pacing, req.Persona.ResponseStyle.Focus)
	fmt.Fprintf(&b, "Customer: %s. Loan type: %s. Lead score: %d.\n", req.Lead.Name, req.Lead.LoanType, req.Lead.LeadScore)
	if req.Lead.PropertyType != "" {
		fmt.Fprintf(&b, "Property: %s %s.\n", req.Lead.PropertyCategory, req.Lead.PropertyType)
	}
	b.WriteString("Reply in at most three short sentences. Never quote a rate you were not given. ")
	b.WriteString("Keep to MAS rules on TDSR, MSR and LTV when discussing affordability.")
	return b.String()
}
