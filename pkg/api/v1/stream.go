package v1

// MainConversationID is the ConversationID of the top-level conversation.
// Subagent streams use the subagent id instead.
const MainConversationID = "main"

// StreamEventType discriminates the StreamEvent variants.
type StreamEventType string

const (
	StreamEventBlockStart     StreamEventType = "block_start"
	StreamEventTextDelta      StreamEventType = "text_delta"
	StreamEventBlockUpdate    StreamEventType = "block_update"
	StreamEventBlockComplete  StreamEventType = "block_complete"
	StreamEventMetadataUpdate StreamEventType = "metadata_update"
)

// StreamEvent is the adapter-neutral event emitted while an agent produces
// output. For a given BlockID, block_start strictly precedes every
// text_delta/block_update/block_complete, and block_complete is last.
type StreamEvent struct {
	Type           StreamEventType `json:"type"`
	ConversationID string          `json:"conversationId"`
	BlockID        string          `json:"blockId,omitempty"`
	Block          *Block          `json:"block,omitempty"`    // block_start, block_complete
	Delta          string          `json:"delta,omitempty"`    // text_delta
	Updates        map[string]any  `json:"updates,omitempty"`  // block_update
	Metadata       map[string]any  `json:"metadata,omitempty"` // metadata_update
}
