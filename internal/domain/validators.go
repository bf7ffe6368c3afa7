package domain

import (
	"fmt"
	"regexp"
)

var loginRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,32}$`)

// ValidateLogin checks the agent/customer login format.
func ValidateLogin(login string) error {
	if login == "" {
		return ErrValidation("login is required")
	}
	if !loginRe.MatchString(login) {
		return ErrValidation("login must be 3-32 characters of letters, digits, underscore, dot or dash")
	}
	return nil
}

var currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)

// ValidateCurrency checks for an ISO-4217 style uppercase 3-letter code.
func ValidateCurrency(code string) error {
	if !currencyRe.MatchString(code) {
		return ErrValidation(fmt.Sprintf("invalid currency code %q", code))
	}
	return nil
}

// ValidatePositiveAmount rejects zero and negative minor-unit amounts.
func ValidatePositiveAmount(amount int64) error {
	if amount <= 0 {
		return ErrValidation("amount must be positive")
	}
	return nil
}

// ValidateOdds rejects odds at or below 1.000. Exactly 1.001 is accepted.
func ValidateOdds(oddsMilli int64) error {
	if oddsMilli < OddsMin {
		return ErrValidation(fmt.Sprintf("odds %d.%03d must be greater than 1.000", oddsMilli/1000, oddsMilli%1000))
	}
	return nil
}

// ValidateRiskScore bounds a risk score to 0..100.
func ValidateRiskScore(score int) error {
	if score < 0 || score > 100 {
		return ErrValidation("risk score must be within 0..100")
	}
	return nil
}

// ValidateTier rejects unknown tier names.
func ValidateTier(t Tier) error {
	if _, ok := tierRank[t]; !ok {
		return ErrValidation(fmt.Sprintf("unknown tier %q", t))
	}
	return nil
}

// ValidateAgentType rejects unknown agent types.
func ValidateAgentType(t AgentType) error {
	switch t {
	case AgentTypeUser, AgentTypeAgent, AgentTypeMaster, AgentTypeSuper:
		return nil
	}
	return ErrValidation(fmt.Sprintf("unknown agent type %q", t))
}

// ValidateRate bounds a milli-rate to [0, 1000].
func ValidateRate(r RateMilli) error {
	if r < 0 || r > 1000 {
		return ErrValidation("rate must be within [0, 1]")
	}
	return nil
}

// ValidateSplit bounds an attachment split percentage.
func ValidateSplit(pct int) error {
	if pct < 0 || pct > 100 {
		return ErrValidation("split must be within 0..100 percent")
	}
	return nil
}
