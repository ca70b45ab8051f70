package network

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pairchat/conversation"
	"pairchat/replica"
)

const (
	accountsRoot  = "accounts"
	messagesRoot  = "messages"
	reactionsNode = "reactions"
)

// writeOp names the store write being authorized.
type writeOp string

const (
	opSet    writeOp = "set"
	opUpdate writeOp = "update"
	opAppend writeOp = "append"
)

// authorizeWrite checks a write against the identity the connection signed
// in as:
//
//	accounts/{id}                       only id
//	messages/{conv}                     append by a participant, as sender
//	messages/{conv}/{key}               the message's sender
//	messages/{conv}/{key}/reactions     a participant, own entry only
//	messages/{conv}/{key}/reactions/{a} participant a
//
// Everything else is refused.
func (ss *serverSession) authorizeWrite(ctx context.Context, op writeOp, path string, value json.RawMessage, fields map[string]json.RawMessage) error {
	cleaned, err := replica.CleanPath(path)
	if err != nil {
		return err
	}
	identity := ss.identity
	if identity == "" {
		return fmt.Errorf("%w: sign in before writing", ErrForbidden)
	}
	segments := strings.Split(cleaned, "/")

	switch segments[0] {
	case accountsRoot:
		if len(segments) >= 2 && segments[1] == identity && op != opAppend {
			return nil
		}
		return forbidden(op, cleaned)
	case messagesRoot:
	default:
		return forbidden(op, cleaned)
	}

	if len(segments) < 2 || !conversation.Includes(conversation.Key(segments[1]), identity) {
		return forbidden(op, cleaned)
	}

	switch len(segments) {
	case 2:
		if op == opAppend && senderOf(value) == identity {
			return nil
		}
	case 3:
		if op == opAppend {
			break
		}
		if op == opSet && !isNull(value) && senderOf(value) != identity {
			break
		}
		owner, exists, err := ss.storedSender(ctx, cleaned)
		if err != nil {
			return err
		}
		if !exists && op == opSet || exists && owner == identity {
			return nil
		}
	case 4:
		if segments[3] != reactionsNode || op != opUpdate {
			break
		}
		for actor := range fields {
			if actor != identity {
				return forbidden(op, cleaned)
			}
		}
		return nil
	case 5:
		if segments[3] == reactionsNode && segments[4] == identity && op == opSet {
			return nil
		}
	}
	return forbidden(op, cleaned)
}

func (ss *serverSession) storedSender(ctx context.Context, path string) (string, bool, error) {
	snap, err := ss.server.options.Store.Get(ctx, path)
	if err != nil {
		return "", false, err
	}
	if !snap.Exists() {
		return "", false, nil
	}
	return senderOf(snap.Data), true, nil
}

func senderOf(raw json.RawMessage) string {
	var record struct {
		Sender string `json:"sender"`
	}
	if err := json.Unmarshal(raw, &record); err != nil {
		return ""
	}
	return record.Sender
}

func forbidden(op writeOp, path string) error {
	return fmt.Errorf("%w: %s %q", ErrForbidden, op, path)
}
