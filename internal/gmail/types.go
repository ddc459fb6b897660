package gmail

// Message is a composed RFC 5322 message ready for the Gmail API.
type Message struct {
	// Raw is the complete message including headers.
	Raw []byte
	// ThreadID places the message in an existing Gmail thread.
	ThreadID string
}

// SendResult identifies a message accepted by Gmail.
type SendResult struct {
	ID       string
	ThreadID string
}
