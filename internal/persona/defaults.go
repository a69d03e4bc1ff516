package persona

import "broker-dispatch/internal/models"

var defaultEntries = []Entry{
	{
		BrokerPersona: models.BrokerPersona{
			Type:         models.PersonaAggressive,
			Name:         "Michelle Chen",
			Title:        "Investment Property Specialist",
			Approach:     "premium_rates_focus",
			UrgencyLevel: "high",
			ResponseStyle: models.ResponseStyle{
				Tone:   "confident, strategic, results-oriented",
				Pacing: "fast - exclusive opportunities",
				Focus:  "investment strategies, portfolio growth",
			},
		},
		Greeting: "Hi {name}! I'm Michelle, your Investment Property Specialist. I've been tracking rates that aren't publicly advertised. Let's look at how to maximise your portfolio returns today.",
	},
	{
		BrokerPersona: models.BrokerPersona{
			Type:         models.PersonaAggressive,
			Name:         "Jasmine Lee",
			Title:        "Luxury Property Specialist",
			Approach:     "premium_rates_focus",
			UrgencyLevel: "high",
			ResponseStyle: models.ResponseStyle{
				Tone:   "sophisticated, exclusive, premium",
				Pacing: "fast - limited opportunities",
				Focus:  "exclusive rates, premium service",
			},
		},
		Greeting: "Hello {name}! I'm Jasmine, your Luxury Property Specialist. I work with premium properties and have access to tailored financing. Let's secure your exclusive rates today.",
	},
	{
		BrokerPersona: models.BrokerPersona{
			Type:         models.PersonaBalanced,
			Name:         "Rachel Tan",
			Title:        "Millennial Mortgage Specialist",
			Approach:     "educational_consultative",
			UrgencyLevel: "medium",
			ResponseStyle: models.ResponseStyle{
				Tone:   "modern, tech-savvy, approachable",
				Pacing: "moderate - digital-first guidance",
				Focus:  "smart financing, future planning",
			},
		},
		Greeting: "Hey {name}! I'm Rachel, your Millennial Mortgage Specialist. I help young professionals find smart, flexible financing. What are your goals?",
	},
	{
		BrokerPersona: models.BrokerPersona{
			Type:         models.PersonaBalanced,
			Name:         "Sarah Wong",
			Title:        "Family Mortgage Consultant",
			Approach:     "educational_consultative",
			UrgencyLevel: "medium",
			ResponseStyle: models.ResponseStyle{
				Tone:   "warm, family-focused, trustworthy",
				Pacing: "moderate - educate then guide",
				Focus:  "family needs, stable solutions",
			},
		},
		Greeting: "Hello {name}! I'm Sarah, your Family Mortgage Consultant. I'm here to find the right home financing for your family's needs. What's most important to you?",
	},
	{
		BrokerPersona: models.BrokerPersona{
			Type:         models.PersonaConservative,
			Name:         "Grace Lim",
			Title:        "First-Time Buyer Specialist",
			Approach:     "value_focused_supportive",
			UrgencyLevel: "low",
			ResponseStyle: models.ResponseStyle{
				Tone:   "patient, reassuring, educational",
				Pacing: "slow - build trust and understanding",
				Focus:  "education, step-by-step guidance",
			},
		},
		Greeting: "Welcome {name}! I'm Grace, your First-Time Buyer Specialist. Buying your first home can feel like a lot, so I'll guide you through every step. What questions can I answer?",
	},
}
