package responder

import (
	"context"
	"fmt"
	"strings"

	"broker-dispatch/internal/models"
	"broker-dispatch/internal/persona"
)

// Request is everything needed to write one broker message.
type Request struct {
	Persona     models.BrokerPersona
	Lead        models.ProcessedLeadData
	UserMessage string
	// Greeting asks for the opening message of a new conversation.
	Greeting bool
}

// Reply is the generated text plus what was learned about the message.
type Reply struct {
	Content  string `json:"content"`
	Intent   Intent `json:"intent,omitempty"`
	Escalate bool   `json:"escalate"`
	Source   string `json:"source"`
}

// Responder writes broker replies.
type Responder interface {
	Reply(ctx context.Context, req Request) (Reply, error)
}

// Template produces deterministic replies keyed by intent and persona.
type Template struct {
	catalog *persona.Catalog
}

// NewTemplate builds a template responder over a persona catalog.
func NewTemplate(catalog *persona.Catalog) *Template {
	return &Template{catalog: catalog}
}

// Reply never fails.
func (t *Template) Reply(_ context.Context, req Request) (Reply, error) {
	if req.Greeting {
		return Reply{
			Content: t.catalog.Greeting(req.Persona, firstName(req.Lead.Name)),
			Intent:  IntentGreeting,
			Source:  "template",
		}, nil
	}

	urgency := persona.AnalyzeUrgency(req.UserMessage, req.Persona)
	if urgency.Escalate {
		return Reply{
			Content:  fmt.Sprintf("I hear you, %s. I'm bringing in one of our senior mortgage specialists right now, and they'll reply in this chat shortly.", firstName(req.Lead.Name)),
			Escalate: true,
			Source:   "template",
		}, nil
	}

	intent := ClassifyIntent(req.UserMessage)
	return Reply{
		Content: t.render(intent, req),
		Intent:  intent,
		Source:  "template",
	}, nil
}

func (t *Template) render(intent Intent, req Request) string {
	name := firstName(req.Lead.Name)
	loan := loanLabel(req.Lead.LoanType)
	switch intent {
	case IntentGreeting:
		return fmt.Sprintf("Hi %s! Good to hear from you. What would you like to know about your %s?", name, loan)
	case IntentCalculation:
		return fmt.Sprintf("Good question, %s. Based on what you shared, I'll run the numbers against current bank packages and the TDSR and MSR limits, then send you a breakdown of the loan amount and monthly instalment for your %s.", name, loan)
	case IntentDocument:
		return "Sure. For most applications we need your latest NOA, three months of payslips and your CPF contribution history. I can send you the full checklist here."
	case IntentComplex:
		return fmt.Sprintf("That depends on a few factors, %s: your lock-in tolerance, how long you plan to hold the property and where rates are heading. Let me compare the options side by side for you.", name)
	case IntentNextSteps:
		return fmt.Sprintf("Great, %s! The next step is an in-principle approval. I can arrange that with the banks and schedule a short call to walk you through the offers.", name)
	case IntentObjection:
		return fmt.Sprintf("That's a fair concern, %s. There's no obligation here. I'll lay out the costs clearly so you can decide at your own pace.", name)
	}
	switch req.Persona.Type {
	case models.PersonaAggressive:
		return fmt.Sprintf("Thanks %s. I'm checking the best rates available for your %s right now and will come back with options shortly.", name, loan)
	case models.PersonaBalanced:
		return fmt.Sprintf("Thanks %s. Let me look into that for your %s and explain the options that fit you best.", name, loan)
	default:
		return fmt.Sprintf("Thanks for asking, %s. Let's take this one step at a time. I'll explain how it works for your %s.", name, loan)
	}
}

func firstName(full string) string {
	full = strings.TrimSpace(full)
	if full == "" {
		return "there"
	}
	return strings.Fields(full)[0]
}

func loanLabel(loanType string) string {
	switch loanType {
	case "new_purchase":
		return "new home loan"
	case "refinance":
		return "refinancing"
	case "commercial":
		return "commercial property loan"
	case "":
		return "mortgage"
	default:
		return strings.ReplaceAll(loanType, "_", " ")
	}
}
