// Package provider guesses which email sending service originated a message.
//
// The guess is a heuristic. Checks run in a fixed order and the first hit wins:
// sender domain, then Received header fingerprints, then the Return-Path.
package provider

import (
	"strings"
)

// Label names a sending provider.
type Label string

const (
	Gmail     Label = "Gmail"
	Outlook   Label = "Outlook"
	Yahoo     Label = "Yahoo"
	AmazonSES Label = "Amazon SES"
	SendGrid  Label = "SendGrid"
	Mailgun   Label = "Mailgun"
	Zoho      Label = "Zoho"
	SparkPost Label = "SparkPost"
	Unknown   Label = "Unknown"
)

// Headers is the subset of a message the classifier looks at.
type Headers struct {
	// From is the address of the first parsed From mailbox.
	From       string
	Received   []string
	ReturnPath string
}

type domainRule struct {
	label    Label
	suffixes []string
}

type fingerprint struct {
	needle string
	label  Label
}

var domainRules = []domainRule{
	{Gmail, []string{"gmail.com", "google.com", "googlemail.com"}},
	{Outlook, []string{"outlook.com", "hotmail.com", "office365.com", "live.com", "microsoft.com"}},
	{Yahoo, []string{"yahoo.com", "yahoo.co"}},
	{AmazonSES, []string{"amazonses.com", "ses.amazonaws.com"}},
	{SendGrid, []string{"sendgrid.net", "sendgrid.com"}},
	{Mailgun, []string{"mailgun.org", "mailgun.net"}},
	{Zoho, []string{"zoho.com"}},
	{SparkPost, []string{"sparkpostmail.com"}},
}

var receivedFingerprints = []fingerprint{
	{"amazonses", AmazonSES},
	{"sendgrid", SendGrid},
	{"mailgun", Mailgun},
}

var returnPathFingerprints = []fingerprint{
	{"amazonses", AmazonSES},
	{"sendgrid", SendGrid},
}

// Classify returns the best guess for h. It never fails; Unknown is returned
// when no rule matches.
func Classify(h Headers) Label {
	if domain := SenderDomain(h.From); domain != "" {
		for _, rule := range domainRules {
			for _, suffix := range rule.suffixes {
				if strings.HasSuffix(domain, suffix) {
					return rule.label
				}
			}
		}
	}

	if len(h.Received) > 0 {
		if label, ok := match(strings.Join(h.Received, "\n"), receivedFingerprints); ok {
			return label
		}
	}

	if h.ReturnPath != "" {
		if label, ok := match(h.ReturnPath, returnPathFingerprints); ok {
			return label
		}
	}

	return Unknown
}

// SenderDomain returns the lower-cased domain part of addr, or "" when addr
// has no domain.
func SenderDomain(addr string) string {
	_, domain, ok := strings.Cut(strings.TrimSpace(addr), "@")
	if !ok {
		return ""
	}
	domain, _, _ = strings.Cut(domain, "@")
	return strings.ToLower(strings.Trim(domain, " <>"))
}

// Labels lists every label Classify can return, in table order.
func Labels() []Label {
	labels := make([]Label, 0, len(domainRules)+1)
	for _, rule := range domainRules {
		labels = append(labels, rule.label)
	}
	return append(labels, Unknown)
}

func match(text string, table []fingerprint) (Label, bool) {
	text = strings.ToLower(text)
	for _, fp := range table {
		if strings.Contains(text, fp.needle) {
			return fp.label, true
		}
	}
	return "", false
}
