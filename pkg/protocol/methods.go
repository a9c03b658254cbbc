package protocol

// RPC method name constants.
const (
	MethodChatSend      = "chat.send"      // params: ChatSendParams
	MethodChatHistory   = "chat.history"   // params: ChatHistoryParams
	MethodChatInject    = "chat.inject"    // params: ChatInjectParams
	MethodConsentAnswer = "consent.answer" // params: ConsentAnswerParams
	MethodConsentList   = "consent.list"   // params: {avatarId?}
	MethodAvatarsList   = "avatars.list"
	MethodHealth        = "health"
)

// ChatSendParams is the payload of chat.send.
type ChatSendParams struct {
	AvatarID string `json:"avatarId"`
	Sender   string `json:"sender,omitempty"`
	Text     string `json:"text"`
}

// ChatHistoryParams is the payload of chat.history.
type ChatHistoryParams struct {
	AvatarID string `json:"avatarId"`
	Limit    int    `json:"limit,omitempty"` // 0 = everything
}

// ConsentAnswerParams is the payload of consent.answer.
type ConsentAnswerParams struct {
	ID     string `json:"id"`
	Choice string `json:"choice"` // "allow", "always", "deny"
}

// ExternalTalk is one message relayed from outside the avatar.
type ExternalTalk struct {
	ID     string `json:"id,omitempty"` // stable id lets repeated relays dedupe
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// ChatInjectParams is the payload of chat.inject.
type ChatInjectParams struct {
	AvatarID string         `json:"avatarId"`
	Messages []ExternalTalk `json:"messages"`
}
