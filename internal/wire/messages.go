package wire

import "encoding/json"

// HandshakeBody is the 1 HANDSHAKE payload (spec §6).
type HandshakeBody struct {
	NodeID           NodeID            `json:"nodeId"`
	Subtree          SubtreeDescriptor `json:"subtree"`
	Capabilities     []string          `json:"capabilities,omitempty"`
	MeshTimeEstimate int64             `json:"meshTimeEstimate"`
}

// NodeSyncBody is the 5/6 NODE_SYNC_REQUEST/REPLY payload.
type NodeSyncBody struct {
	Subtree SubtreeDescriptor `json:"subtree"`
}

// TimeSyncBody is the 3/4 TIME_SYNC_REQUEST/REPLY payload: t1 (request
// send, client), t2 (reply send, server — recorded as part of the reply),
// t3 (reply recv) plus the advertised subtree size used for root selection
// (spec §4.6/§9). The mesh code fills only t1 and t2; the receiver takes t3
// from its own clock, so the T3 field is sent as 0 and never read.
type TimeSyncBody struct {
	T1          int64 `json:"t1"`
	T2          int64 `json:"t2"`
	T3          int64 `json:"t3"`
	SubtreeSize int   `json:"subtreeSize"`
}

// BridgeStatusBody is the 610 BRIDGE_STATUS payload.
type BridgeStatusBody struct {
	InternetConnected bool   `json:"internetConnected"`
	RouterRSSI        int    `json:"routerRssi"`
	RouterChannel     int    `json:"routerChannel"`
	Uptime            int64  `json:"uptime"`
	GatewayIP         string `json:"gatewayIp,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// BridgeElectionBody is the 611 BRIDGE_ELECTION payload.
type BridgeElectionBody struct {
	RouterRSSI int    `json:"routerRssi"`
	Uptime     int64  `json:"uptime"`
	FreeMemory int64  `json:"freeMemory"`
	Timestamp  int64  `json:"timestamp"`
	RouterSSID string `json:"routerSsid,omitempty"`
}

// BridgeTakeoverBody is the 612 BRIDGE_TAKEOVER payload.
type BridgeTakeoverBody struct {
	PreviousBridge NodeID `json:"previousBridge"`
	Reason         string `json:"reason"`
	RouterRSSI     int    `json:"routerRssi"`
	Timestamp      int64  `json:"timestamp"`
}

// BridgeCoordinationBody is the 613 BRIDGE_COORDINATION payload.
type BridgeCoordinationBody struct {
	Priority    int      `json:"priority"`
	Role        string   `json:"role"`
	Load        int      `json:"load"`
	PeerBridges []NodeID `json:"peerBridges,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}

// NTPTimeSyncBody is the 614 NTP_TIME_SYNC payload, accepted only from a
// node marked as bridge (spec §6).
type NTPTimeSyncBody struct {
	NTPTime    int64  `json:"ntpTime"`
	AccuracyMs int    `json:"accuracyMs"`
	Source     string `json:"source,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Build wraps a body value and the common envelope fields into an Envelope
// ready for MarshalLine.
func Build(typ uint16, from, dest NodeID, routing Routing, msgID uint32, body any) (Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, From: from, Dest: dest, Routing: routing, MsgID: msgID, Body: raw}, nil
}

// DecodeBody unmarshals an envelope's body into the given typed struct.
func DecodeBody(e Envelope, out any) error {
	return json.Unmarshal(e.Body, out)
}
