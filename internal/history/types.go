package history

import "time"

// Role attributes a turn to one side of the conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one message unit in a conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Key identifies one conversation: the same user talking to two models holds
// two independent histories.
type Key struct {
	UserID    string
	ModelName string
}

// Record is the stored state of one conversation. Turns are kept in
// insertion order, which is also chronological order.
type Record struct {
	UserID      string    `json:"user_id"`
	ModelName   string    `json:"model_name"`
	Turns       []Turn    `json:"turns"`
	FirstSeen   time.Time `json:"first_seen"`
	LastUpdated time.Time `json:"last_updated"`
}

// MessageCount reports how many turns the record holds.
func (r *Record) MessageCount() int { return len(r.Turns) }

func (r *Record) key() Key { return Key{UserID: r.UserID, ModelName: r.ModelName} }

func cloneTurns(turns []Turn) []Turn {
	if len(turns) == 0 {
		return nil
	}
	return append([]Turn(nil), turns...)
}

func cloneRecord(r Record) Record {
	r.Turns = cloneTurns(r.Turns)
	return r
}
