package xmpp

import (
	"fmt"
	"strings"

	"mellium.im/xmpp/jid"

	"github.com/nextlevelbuilder/mucbridge/internal/channels"
)

// ValidateAddress accepts a bare room JID with a localpart and returns it in
// canonical lower case form.
func ValidateAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("%w: empty", channels.ErrInvalidAddress)
	}
	j, err := jid.Parse(address)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", channels.ErrInvalidAddress, address, err)
	}
	if j.Localpart() == "" {
		return "", fmt.Errorf("%w: %s has no room name", channels.ErrInvalidAddress, address)
	}
	if j.Resourcepart() != "" {
		return "", fmt.Errorf("%w: %s must not carry a nickname", channels.ErrInvalidAddress, address)
	}
	if !strings.Contains(j.Domainpart(), ".") {
		return "", fmt.Errorf("%w: %s has no service domain", channels.ErrInvalidAddress, address)
	}
	return strings.ToLower(j.Bare().String()), nil
}

// splitJID splits room@service/nick into its bare and resource parts.
func splitJID(full string) (room, nick string) {
	room, nick, _ = strings.Cut(full, "/")
	return strings.ToLower(room), nick
}
