package queue

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoToken is returned when no token can authenticate a channel.
var ErrNoToken = errors.New("queue: no api token for channel")

// TokenPolicy selects the API token used to poll a channel. The exact
// per-channel token wins, then the default token; otherwise the channel is
// refused rather than polled with an arbitrary credential.
type TokenPolicy struct {
	Default  string
	Channels map[string]string
}

// TokenFor returns the token for channelID.
func (p TokenPolicy) TokenFor(channelID string) (string, error) {
	if tok := strings.TrimSpace(p.Channels[channelID]); tok != "" {
		return tok, nil
	}
	if tok := strings.TrimSpace(p.Default); tok != "" {
		return tok, nil
	}
	return "", fmt.Errorf("%w %q", ErrNoToken, channelID)
}
