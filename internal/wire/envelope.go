// Package wire defines the on-the-wire JSON envelope and typed message
// bodies (spec §3 TypedPackage, §6 wire format). Each typed package
// serializes to one JSON object per line; unknown fields are preserved
// during forwarding (spec §6) because ParseLine keeps the whole line in
// Envelope.Body and MarshalLine merges that Body back into the output.
package wire

import "encoding/json"

// Routing selects how a message is propagated by the router (spec §3/§4.4).
type Routing int

const (
	RoutingSingle Routing = iota
	RoutingNeighbour
	RoutingBroadcast
)

// NodeID is a 32-bit unsigned identifier, unique per running node within a
// mesh instance. Zero is reserved for "broadcast destination".
type NodeID uint32

// Priority orders both the offline message queue (spec §4.8) and
// per-connection outbound FIFO backpressure (spec §4.2). Declared here,
// next to NodeID and Routing, since it is part of the shared data model
// rather than belonging to either consumer alone.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Normal:
		return "NORMAL"
	case Low:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

const BroadcastDest NodeID = 0

// Internal reserved type codes (1-99) and plugin code space (100+), per
// spec §3/§6.
const (
	TypeHandshake        uint16 = 1
	TypeTimeSyncRequest  uint16 = 3
	TypeTimeSyncReply    uint16 = 4
	TypeNodeSyncRequest  uint16 = 5
	TypeNodeSyncReply    uint16 = 6

	TypeBridgeStatus       uint16 = 610
	TypeBridgeElection     uint16 = 611
	TypeBridgeTakeover     uint16 = 612
	TypeBridgeCoordination uint16 = 613
	TypeNTPTimeSync        uint16 = 614

	TypeSharedGatewayRelayBegin uint16 = 620
	TypeSharedGatewayRelayData  uint16 = 621
	TypeSharedGatewayRelayEnd   uint16 = 622

	TypeAppDataBase uint16 = 200
)

// IsPluginType reports whether a type code belongs to the plugin / application
// code space (100+) rather than the reserved internal range (1-99).
func IsPluginType(t uint16) bool { return t >= 100 }

// SubtreeDescriptor is the recursive structure each peer advertises
// describing its own subtree (spec §3). Size is the resolved open question
// from §9: computed and carried on every advertisement, not just some.
type SubtreeDescriptor struct {
	Root     NodeID              `json:"root"`
	Children []SubtreeDescriptor `json:"children,omitempty"`
	Size     int                 `json:"size"`
}

// ComputeSize recomputes Size as 1 + sum(children sizes) and returns it.
// Call after building or mutating a descriptor by hand.
func (s *SubtreeDescriptor) ComputeSize() int {
	size := 1
	for i := range s.Children {
		size += s.Children[i].ComputeSize()
	}
	s.Size = size
	return size
}

// Contains reports whether id appears anywhere in the subtree rooted at s
// (used for the loop-prevention invariant at handshake time).
func (s *SubtreeDescriptor) Contains(id NodeID) bool {
	if s == nil {
		return false
	}
	if s.Root == id {
		return true
	}
	for i := range s.Children {
		if s.Children[i].Contains(id) {
			return true
		}
	}
	return false
}

// AllIDs flattens the subtree into a slice of every NodeID it contains.
func (s *SubtreeDescriptor) AllIDs() []NodeID {
	if s == nil {
		return nil
	}
	ids := []NodeID{s.Root}
	for i := range s.Children {
		ids = append(ids, s.Children[i].AllIDs()...)
	}
	return ids
}

// Envelope carries the fields common to every typed package (spec §3/§6).
// Body holds the type-specific fields as raw JSON so unknown types can be
// forwarded verbatim (spec §6's "unknown fields MUST be preserved").
type Envelope struct {
	Type    uint16          `json:"type"`
	From    NodeID          `json:"from"`
	Dest    NodeID          `json:"dest"`
	Routing Routing         `json:"routing"`
	MsgID   uint32          `json:"msgId"`
	Body    json.RawMessage `json:"-"`
}

// wireShape is the flattened on-the-wire shape: envelope fields plus every
// body field merged into one JSON object, matching spec §6 ("additional
// fields are type-specific").
type wireShape struct {
	Type    uint16  `json:"type"`
	From    NodeID  `json:"from"`
	Dest    NodeID  `json:"dest"`
	Routing Routing `json:"routing"`
	MsgID   uint32  `json:"msgId"`
}

// MarshalLine serializes the envelope to a single LF-terminated JSON line.
func MarshalLine(e Envelope) ([]byte, error) {
	head := wireShape{Type: e.Type, From: e.From, Dest: e.Dest, Routing: e.Routing, MsgID: e.MsgID}
	headBytes, err := json.Marshal(head)
	if err != nil {
		return nil, err
	}
	merged, err := mergeJSON(headBytes, e.Body)
	if err != nil {
		return nil, err
	}
	return append(merged, '\n'), nil
}

// ParseLine parses one JSON line (without its trailing LF) into an Envelope.
// Body retains every field including the envelope fields themselves, so a
// forwarding node can re-emit unknown fields unmodified.
func ParseLine(line []byte) (Envelope, error) {
	var head wireShape
	if err := json.Unmarshal(line, &head); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:    head.Type,
		From:    head.From,
		Dest:    head.Dest,
		Routing: head.Routing,
		MsgID:   head.MsgID,
		Body:    json.RawMessage(append([]byte(nil), line...)),
	}, nil
}

// mergeJSON shallow-merges two JSON objects, with fields in b overriding a.
func mergeJSON(a, b []byte) ([]byte, error) {
	base := map[string]json.RawMessage{}
	if len(a) > 0 {
		if err := json.Unmarshal(a, &base); err != nil {
			return nil, err
		}
	}
	if len(b) > 0 {
		overlay := map[string]json.RawMessage{}
		if err := json.Unmarshal(b, &overlay); err != nil {
			return nil, err
		}
		for k, v := range overlay {
			base[k] = v
		}
	}
	return json.Marshal(base)
}
