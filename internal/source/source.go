// Package source is the broker's view of the source of truth: the vault that
// owns credential lifecycle events.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/systmms/dsbroker/internal/secure"
	"github.com/systmms/dsbroker/pkg/plugin"
)

// EventCredentialChanged is the event name emitted when a credential changes.
const EventCredentialChanged = "credential.changed"

// ErrSecretNotFound is returned when a handle has no value of the asked kind.
var ErrSecretNotFound = errors.New("secret not found")

// Subscription identifies an open change-notification stream.
type Subscription string

// EventFunc receives change notifications. It may be called from any
// goroutine and should return quickly.
type EventFunc func(name string, body []byte)

// Source is the source-of-truth collaborator.
type Source interface {
	// Subscribe opens a change-notification stream for handles.
	Subscribe(ctx context.Context, handles []string, onEvent EventFunc) (Subscription, error)
	Unsubscribe(ctx context.Context, sub Subscription) error
	// RetrieveSecret returns the current value. The caller must Wipe it.
	RetrieveSecret(ctx context.Context, handle string, kind plugin.Kind) (*secure.ScopedSecret, error)
	// UpdateSecret stores a value produced by a destination (reverse flow).
	UpdateSecret(ctx context.Context, handle string, kind plugin.Kind, value *secure.ScopedSecret) error
}

// Event is the payload of a change notification.
type Event struct {
	AssetName   string `json:"AssetName"`
	AccountName string `json:"AccountName"`
}

// ParseEvent decodes a change notification body. Keys match
// case-insensitively and both names are required.
func ParseEvent(body []byte) (Event, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Event{}, fmt.Errorf("event body is not a JSON object: %w", err)
	}

	var ev Event
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch {
		case strings.EqualFold(k, "assetName"):
			ev.AssetName = s
		case strings.EqualFold(k, "accountName"):
			ev.AccountName = s
		}
	}
	if ev.AssetName == "" || ev.AccountName == "" {
		return Event{}, fmt.Errorf("event body must name both an asset and an account")
	}
	return ev, nil
}

// EncodeEvent builds a change notification body.
func EncodeEvent(ev Event) []byte {
	data, _ := json.Marshal(ev)
	return data
}

// Handle returns the handle the bundled sources use for an account.
func Handle(asset, account string) string {
	return asset + "/" + account
}

// SplitHandle reverses Handle.
func SplitHandle(handle string) (asset, account string, err error) {
	asset, account, ok := strings.Cut(handle, "/")
	if !ok || asset == "" || account == "" || strings.Contains(account, "/") {
		return "", "", fmt.Errorf("invalid secret handle %q (expected <asset>/<account>)", handle)
	}
	if asset == "." || asset == ".." || account == "." || account == ".." || strings.ContainsAny(handle, `\`) {
		return "", "", fmt.Errorf("invalid secret handle %q", handle)
	}
	return asset, account, nil
}
