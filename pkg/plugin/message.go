package plugin

// MessageType identifies the kind of data a plugin produces. Every plugin
// instance in one agent uses a distinct value.
type MessageType uint32

// MaxPayloadSize is the largest payload a Message may carry (4 GiB).
const MaxPayloadSize uint64 = 4 << 30

// maxPayloadSize is a variable so tests can exercise the limit without
// allocating 4 GiB.
var maxPayloadSize = MaxPayloadSize

// Message is one unit of plugin data handed to the GSN peer.
type Message struct {
	Type      MessageType
	Timestamp int64
	Payload   []byte
	Priority  int
	// Backlog requests durable retention until the collector acknowledges
	// Timestamp.
	Backlog bool
}
