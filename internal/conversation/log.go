package conversation

// Log is the append-only ordered message history of one session.
// IDs are assigned on append and increase by one starting at 1.
type Log struct {
	messages []Message
	nextID   int64
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{nextID: 1}
}

// Append stores msg, assigning its ID, and returns the stored copy.
func (l *Log) Append(msg Message) Message {
	msg.ID = l.nextID
	l.nextID++
	l.messages = append(l.messages, msg)
	return msg
}

// Len returns the number of messages.
func (l *Log) Len() int {
	return len(l.messages)
}

// Messages returns a copy of the full history.
func (l *Log) Messages() []Message {
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Last returns a copy of at most n most recent messages, oldest first.
func (l *Log) Last(n int) []Message {
	if n <= 0 {
		return []Message{}
	}
	start := len(l.messages) - n
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(l.messages)-start)
	copy(out, l.messages[start:])
	return out
}
