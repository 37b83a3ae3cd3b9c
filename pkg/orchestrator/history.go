package orchestrator

import (
	"sync"

	"github.com/aide-run/aide/pkg/models"
)

// historyLimit bounds the retained turns per client.
const historyLimit = 50

// conversationLog keeps per-client conversation history.
type conversationLog struct {
	mu       sync.Mutex
	byClient map[string][]models.ConversationMessage
}

func newConversationLog() *conversationLog {
	return &conversationLog{byClient: make(map[string][]models.ConversationMessage)}
}

// Append records one exchange. Assistant turns may be empty while a task is
// still running.
func (l *conversationLog) Append(clientID, role, content string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msgs := append(l.byClient[clientID], models.ConversationMessage{Role: role, Content: content})
	if len(msgs) > historyLimit {
		msgs = msgs[len(msgs)-historyLimit:]
	}
	l.byClient[clientID] = msgs
}

// Snapshot returns a copy of the client's history.
func (l *conversationLog) Snapshot(clientID string) []models.ConversationMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.ConversationMessage(nil), l.byClient[clientID]...)
}
