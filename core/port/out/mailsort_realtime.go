package out

// =============================================================================
// Realtime Event Port
// =============================================================================

// Event names pushed to duplex clients.
const (
	EventConnected       = "connected"
	EventEmailClassified = "emailClassified"
	EventFolderUpdated   = "folderUpdated"
	EventBatchComplete   = "batchComplete"
)

// EventPort fans an event out to every connected client. Broadcast never
// blocks the caller; slow clients drop events.
type EventPort interface {
	Broadcast(event string, data interface{})
}

// EmailClassifiedEvent is the payload for EventEmailClassified.
type EmailClassifiedEvent struct {
	MessageID  string  `json:"message_id"`
	Folder     string  `json:"folder"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	IsJunk     bool    `json:"is_junk"`
}

// FolderUpdatedEvent is the payload for EventFolderUpdated.
type FolderUpdatedEvent struct {
	Folder  string `json:"folder"`
	Created bool   `json:"created"`
}

// BatchCompleteEvent is the payload for EventBatchComplete.
type BatchCompleteEvent struct {
	Imported    int `json:"imported"`
	Classified  int `json:"classified"`
	Transferred int `json:"transferred"`
	Failed      int `json:"failed"`
	Junk        int `json:"junk"`
}

// NopEventPort discards every event. Used when the duplex server is
// disabled.
type NopEventPort struct{}

func (NopEventPort) Broadcast(string, interface{}) {}
