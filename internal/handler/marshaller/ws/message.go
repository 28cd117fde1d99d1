package wsmarshaller

import (
	"github.com/nexachat/delivery-service/internal/domain/model"
)

type WSMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	From           string `json:"from_id"`
	Content        string `json:"content"`
	Type           string `json:"type"` // "text", "image", "file"
	CreatedAt      int64  `json:"created_at"`
	Recalled       bool   `json:"recalled,omitempty"`
}

func mapMessage(m *model.Message) *WSMessage {
	return &WSMessage{
		ID:             m.ID.String(),
		ConversationID: m.ConversationID.String(),
		From:           m.SenderID.String(),
		Content:        m.Content,
		Type:           string(m.Type),
		CreatedAt:      m.CreatedAt.UnixMilli(),
		Recalled:       m.Recalled,
	}
}
