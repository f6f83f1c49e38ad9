package message

// This file provides the common data objects used by the rest of the
// program.

// Attachment describes one attachment extracted from a message.
type Attachment struct {
	// Stable identifier derived from the owning message id, the
	// part index and the filename.  Used as the key for blob
	// storage and OCR text lookup.
	ID string

	Filename string
	MimeType string
	Size     int64

	// Raw attachment bytes as decoded from the MIME part.  Cleared
	// once the blob has been written to the attachment store; Path
	// then names the stored copy.
	Content []byte
	Path    string
}

// Message is one normalized email as produced by the parser.  All
// header-derived fields are best effort: missing headers become empty
// strings.  The struct is immutable after parsing except for ThreadID,
// which the thread identifier attaches before storage.
type Message struct {
	// MessageID should be globally unique.  When the source record
	// carries no Message-Id header a generated identifier of the
	// form "generated-<fingerprint>" is used instead.
	MessageID string

	// Date is the message date rendered as RFC 3339 in the
	// configured zone, or "" when absent or unparseable.
	Date string

	Sender   string
	Receiver string
	Subject  string
	Content  string

	// InReplyTo holds the raw In-Reply-To and References header
	// text, space joined.  The thread identifier scans it for
	// message-id-like tokens.
	InReplyTo string

	// Keywords from the configured list that matched the subject
	// or content, case-insensitively.
	Keywords []string

	// ThreadID is assigned by the thread identifier; "" means no
	// thread was assigned.
	ThreadID string

	Attachments []*Attachment
}

// ThreadStats summarizes thread grouping over one directory run.
type ThreadStats struct {
	// Number of distinct thread ids minted so far.
	ThreadCount int

	// Number of messages routed through the identifier.
	EmailsGrouped int
}
