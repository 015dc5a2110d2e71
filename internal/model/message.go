// Package model defines the record types shared across the pipeline.
package model

import (
	"net/mail"
	"strings"
	"time"
)

// Message is a raw mail message handed over by the ingestion collaborator.
// Immutable once ingested; the pipeline only reads it.
type Message struct {
	ID         string    `json:"id" db:"id"`
	ThreadID   string    `json:"thread_id" db:"thread_id"`
	AccountID  string    `json:"account_id" db:"account_id"`
	Subject    string    `json:"subject" db:"subject"`
	Sender     string    `json:"sender" db:"sender"`
	Body       string    `json:"body" db:"body"`
	ReceivedAt time.Time `json:"received_at" db:"received_at"`
}

// BodyPrefixLen is how much of the body the triage filter and cache key look at.
const BodyPrefixLen = 500

// BodyPrefix returns the first BodyPrefixLen bytes of the body.
func (m Message) BodyPrefix() string {
	if len(m.Body) > BodyPrefixLen {
		return m.Body[:BodyPrefixLen]
	}
	return m.Body
}

// SenderAddress returns the bare address part of the sender header,
// lowercased. Handles both "Name <addr>" and bare-address forms.
func (m Message) SenderAddress() string {
	if addr, err := mail.ParseAddress(m.Sender); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.TrimSpace(m.Sender))
}

// SenderDomain returns the domain of the sender address, lowercased.
// Empty when the sender has no @.
func (m Message) SenderDomain() string {
	addr := m.SenderAddress()
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return addr[at+1:]
}
