package main

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Notifier dispatches invite links to an outbound webhook (an email relay
// or equivalent). Dispatch is best effort: the invite row is the source of
// truth, so a failed notification is logged and never surfaced as an error.
type Notifier struct {
	URL    string
	Client *http.Client
}

func NewNotifier(url string) *Notifier {
	return &Notifier{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SendInvite posts the registration link for email to the webhook. A blank
// URL disables dispatch entirely (the admin shares the link manually).
func (n *Notifier) SendInvite(email, link string) {
	if n == nil || n.URL == "" {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"type":  "invite",
		"email": email,
		"link":  link,
	})
	if err != nil {
		log.Printf("invite notification encode: %v", err)
		return
	}
	resp, err := n.Client.Post(n.URL, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Printf("invite notification dispatch failed for %s: %v", email, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("invite notification for %s returned %d", email, resp.StatusCode)
	}
}
