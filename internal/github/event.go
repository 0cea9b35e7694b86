// internal/github/event.go
package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrBadSignature is returned when a delivery's X-Hub-Signature-256 does not
// match the configured secret.
var ErrBadSignature = errors.New("github: webhook signature mismatch")

// VerifySignature checks header ("sha256=<hex>") against the HMAC-SHA256 of
// body keyed with secret. An empty secret disables the check.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return nil
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the X-Hub-Signature-256 header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Action is what the adapter does with a delivery.
type Action int

const (
	ActionIgnore Action = iota
	ActionMention
	ActionClose
)

// Event is the part of an issue, pull request or comment delivery the adapter
// acts on.
type Event struct {
	Action   Action
	Owner    string
	Repo     string
	CloneURL string
	Number   int
	IsPR     bool
	Title    string
	Body     string
	Sender   string
	// Opened is set for issue/PR creation, where Body is the description.
	Opened bool
}

// ConversationID returns "owner/repo#number".
func (e *Event) ConversationID() string {
	return fmt.Sprintf("%s/%s#%d", e.Owner, e.Repo, e.Number)
}

// RepoURL returns the repository's https URL.
func (e *Event) RepoURL() string {
	return fmt.Sprintf("https://github.com/%s/%s", e.Owner, e.Repo)
}

// ParseEvent decodes a webhook delivery. Deliveries that don't mention the
// bot, and event types the adapter doesn't handle, yield ActionIgnore.
func ParseEvent(eventType string, payload []byte, mention string) (*Event, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("github: invalid %s payload", eventType)
	}
	root := gjson.ParseBytes(payload)
	ev := &Event{
		Owner:    root.Get("repository.owner.login").String(),
		Repo:     root.Get("repository.name").String(),
		CloneURL: root.Get("repository.clone_url").String(),
		Sender:   root.Get("sender.login").String(),
	}
	action := root.Get("action").String()

	var item gjson.Result
	switch eventType {
	case "issue_comment":
		if action != "created" {
			return ev, nil
		}
		item = root.Get("issue")
		ev.IsPR = item.Get("pull_request").Exists()
		ev.Body = root.Get("comment.body").String()
		// Ignore the bot's own replies, which quote the mention back.
		if root.Get("comment.user.type").String() == "Bot" {
			return ev, nil
		}
	case "issues":
		item = root.Get("issue")
		ev.Body = item.Get("body").String()
	case "pull_request":
		item = root.Get("pull_request")
		ev.IsPR = true
		ev.Body = item.Get("body").String()
	default:
		return ev, nil
	}

	if ev.Owner == "" || ev.Repo == "" {
		return nil, fmt.Errorf("github: %s payload has no repository", eventType)
	}
	ev.Number = int(item.Get("number").Int())
	ev.Title = item.Get("title").String()
	if ev.Number <= 0 {
		return nil, fmt.Errorf("github: %s payload has no issue number", eventType)
	}

	switch {
	case eventType != "issue_comment" && action == "closed":
		ev.Action = ActionClose
	case eventType != "issue_comment" && action != "opened":
		// edits, labels, reviews: nothing to do
	case HasMention(ev.Body, mention):
		ev.Action = ActionMention
		ev.Opened = eventType != "issue_comment"
	}
	return ev, nil
}

// HasMention reports whether text mentions the bot as a whole word.
func HasMention(text, mention string) bool {
	if mention == "" {
		return false
	}
	return mentionPattern(mention).MatchString(text)
}

// StripMention removes every mention of the bot and trims the result.
func StripMention(text, mention string) string {
	if mention == "" {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(mentionPattern(mention).ReplaceAllString(text, ""))
}

func mentionPattern(mention string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + regexp.QuoteMeta(mention) + `\b[,:]?`)
}

// Prompt builds the text handed to the orchestrator. Slash commands pass
// through unchanged; an opened issue or PR carries its title as context.
func (e *Event) Prompt(mention string) string {
	text := StripMention(e.Body, mention)
	if strings.HasPrefix(text, "/") || !e.Opened {
		return text
	}
	kind := "Issue"
	if e.IsPR {
		kind = "Pull request"
	}
	return fmt.Sprintf("%s #%d: %s\n\n%s", kind, e.Number, e.Title, text)
}

// ParseConversationID splits "owner/repo#number".
func ParseConversationID(id string) (owner, repo string, number int, err error) {
	path, num, ok := strings.Cut(id, "#")
	if !ok {
		return "", "", 0, fmt.Errorf("invalid github conversation id %q", id)
	}
	owner, repo, ok = strings.Cut(path, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", 0, fmt.Errorf("invalid github conversation id %q", id)
	}
	number, err = strconv.Atoi(num)
	if err != nil || number <= 0 || strconv.Itoa(number) != num {
		return "", "", 0, fmt.Errorf("invalid github conversation id %q", id)
	}
	return owner, repo, number, nil
}
