package responder

import "regexp"

// Intent is a coarse classification of a customer message.
type Intent string

const (
	IntentGreeting    Intent = "greeting"
	IntentCalculation Intent = "calculation_request"
	IntentDocument    Intent = "document_request"
	IntentComplex     Intent = "complex_analysis"
	IntentNextSteps   Intent = "next_steps"
	IntentObjection   Intent = "objection_handling"
	IntentGeneral     Intent = "simple_question"
)

var intentRules = []struct {
	intent Intent
	re     *regexp.Regexp
}{
	{IntentGreeting, regexp.MustCompile(`(?i)^\s*(hi|hello|hey|good morning|good afternoon|good evening)\b`)},
	{IntentCalculation, regexp.MustCompile(`(?i)(how much|can i (borrow|afford)|monthly payment|loan amount|interest rate|tdsr|msr|cpf)`)},
	{IntentDocument, regexp.MustCompile(`(?i)(document|form|report|paperwork|download|send me)`)},
	{IntentComplex, regexp.MustCompile(`(?i)(should i|compare|better|worse|invest|worth it|analy[sz]e)`)},
	{IntentNextSteps, regexp.MustCompile(`(?i)(apply|proceed|schedule|meet|appointment|ready|let's go|sign up)`)},
	{IntentObjection, regexp.MustCompile(`(?i)(expensive|too much|not sure|worried|concern|hesitant|doubt)`)},
}

// ClassifyIntent matches the first rule that fires, in rule order.
func ClassifyIntent(message string) Intent {
	for _, r := range intentRules {
		if r.re.MatchString(message) {
			return r.intent
		}
	}
	return IntentGeneral
}
