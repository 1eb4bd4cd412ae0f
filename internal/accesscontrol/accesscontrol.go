package accesscontrol

import (
	"slices"
	"strings"
)

// Mode selects how the organization and domain whitelists combine when
// both are configured.
type Mode string

const (
	// ModeAND requires membership in both configured lists.
	ModeAND Mode = "AND"
	// ModeOR requires membership in at least one configured list.
	ModeOR Mode = "OR"
)

// Reason is a machine-readable denial code. The same vocabulary is used
// for audit entries and login-surface error codes.
type Reason string

const (
	ReasonNoEmail            Reason = "no_email"
	ReasonUnauthorizedOrg    Reason = "unauthorized_org"
	ReasonUnauthorizedDomain Reason = "unauthorized_domain"
	ReasonAccessDenied       Reason = "access_denied"
)

// Config is the process-wide whitelist configuration. It is built once at
// startup and treated as immutable afterwards; callers receive it by value
// and there is nothing to lock.
type Config struct {
	AllowedOrgIDs  []string
	AllowedDomains []string // lowercase
	Mode           Mode
}

// Restricted reports whether any whitelist is configured at all. When it
// returns false, every authenticated identity is allowed.
func (c Config) Restricted() bool {
	return len(c.AllowedOrgIDs) > 0 || len(c.AllowedDomains) > 0
}

// ParseConfig builds a Config from the three raw environment values:
// comma-separated org IDs, comma-separated email domains, and the mode
// flag. Segments are trimmed and empty ones dropped; domains are
// lowercased. Any mode other than exactly "OR" means AND.
func ParseConfig(orgIDs, domains, mode string) Config {
	cfg := Config{
		AllowedOrgIDs:  splitList(orgIDs, false),
		AllowedDomains: splitList(domains, true),
		Mode:           ModeAND,
	}
	if mode == string(ModeOR) {
		cfg.Mode = ModeOR
	}
	return cfg
}

func splitList(raw string, lower bool) []string {
	var out []string
	for _, seg := range strings.Split(raw, ",") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		if lower {
			seg = strings.ToLower(seg)
		}
		out = append(out, seg)
	}
	return out
}

// Decision is the outcome of a policy evaluation. Denials are expected,
// non-exceptional outcomes and are never surfaced as errors.
type Decision struct {
	Allowed bool
	Reason  Reason
	Message string
}

func deny(reason Reason, message string) Decision {
	return Decision{Reason: reason, Message: message}
}

// Evaluate decides sign-in eligibility from identity claims. It is a pure
// function: no I/O, no clock, safe to call concurrently.
//
// The email domain is taken after the last '@' so malformed multi-'@'
// input resolves to its final segment. Domain matching is exact; a
// subdomain does not match its parent.
func Evaluate(email, orgID string, cfg Config) Decision {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return deny(ReasonNoEmail, "no email address in identity claims")
	}

	at := strings.LastIndex(email, "@")
	var domain string
	if at >= 0 {
		domain = email[at+1:]
	}
	if domain == "" {
		return deny(ReasonUnauthorizedDomain, "email address has no domain")
	}

	if !cfg.Restricted() {
		return Decision{Allowed: true}
	}

	orgValid := len(cfg.AllowedOrgIDs) == 0 ||
		(orgID != "" && slices.Contains(cfg.AllowedOrgIDs, orgID))
	domainValid := len(cfg.AllowedDomains) == 0 ||
		slices.Contains(cfg.AllowedDomains, domain)

	if cfg.Mode == ModeOR {
		if orgValid || domainValid {
			return Decision{Allowed: true}
		}
		return deny(ReasonAccessDenied, "neither organization nor email domain is allowed")
	}

	// AND mode: the org check is reported first when both fail.
	if len(cfg.AllowedOrgIDs) > 0 && !orgValid {
		return deny(ReasonUnauthorizedOrg, "organization "+orgID+" is not allowed")
	}
	if len(cfg.AllowedDomains) > 0 && !domainValid {
		return deny(ReasonUnauthorizedDomain, "email domain "+domain+" is not allowed")
	}
	return Decision{Allowed: true}
}
