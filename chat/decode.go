package chat

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"pairchat/models"
	"pairchat/replica"
)

const (
	messagesRoot = "messages"
	accountsRoot = "accounts"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ConversationPath is the subtree holding one conversation's messages.
func ConversationPath(conv string) string {
	return replica.Join(messagesRoot, conv)
}

// AccountPath is the record of one account.
func AccountPath(id string) string {
	return replica.Join(accountsRoot, id)
}

func decodeMessage(path, key string, raw json.RawMessage) (models.Message, error) {
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.Message{}, &MalformedDataError{Path: path, Reason: "undecodable message", Err: err}
	}
	if err := validate.Struct(msg); err != nil {
		return models.Message{}, &MalformedDataError{Path: path, Reason: "invalid message", Err: err}
	}
	msg.Key = key
	return msg, nil
}

func decodeAccount(path, key string, raw json.RawMessage) (models.Account, error) {
	var account models.Account
	if err := json.Unmarshal(raw, &account); err != nil {
		return models.Account{}, &MalformedDataError{Path: path, Reason: "undecodable account", Err: err}
	}
	if account.Identifier == "" {
		account.Identifier = key
	}
	if err := validate.Struct(account); err != nil {
		return models.Account{}, &MalformedDataError{Path: path, Reason: "invalid account", Err: err}
	}
	return account, nil
}

// decodeConversation returns the messages of one conversation subtree,
// skipping records that fail to decode.
func decodeConversation(path string, raw json.RawMessage) ([]models.Message, []error) {
	snap := replica.Snapshot{Path: path, Data: raw}
	children, err := snap.Children()
	if err != nil {
		return nil, []error{&MalformedDataError{Path: path, Reason: "conversation is not an object", Err: err}}
	}

	var (
		messages = make([]models.Message, 0, len(children))
		errs     []error
	)
	for _, key := range sortedKeys(children) {
		msg, err := decodeMessage(replica.Join(path, key), key, children[key])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, errs
}
