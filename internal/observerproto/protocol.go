package observerproto

// Version is the observer protocol version.
const Version = "0.1"

// Client -> Server. First message on the observer WS connection; may be
// re-sent to change the subscription.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// EveryTicks thins the stream: only frames divisible by it are sent.
	EveryTicks int `json:"every_ticks,omitempty"`
	// RecordKinds selects finalize records to forward (empty: none).
	RecordKinds []string `json:"record_kinds,omitempty"`
	// AgentKinds selects which agents' positions to include (empty: none,
	// "*": all).
	AgentKinds []string `json:"agent_kinds,omitempty"`
	MaxAgents  int      `json:"max_agents,omitempty"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string    `json:"protocol_version"`
	RunID           string    `json:"run_id"`
	Frame           uint64    `json:"frame"`
	RunParams       RunParams `json:"run_params"`
	Network         Network   `json:"network"`
}

type RunParams struct {
	TickMs   int    `json:"tick_ms"`
	Workers  int    `json:"workers"`
	Seed     int64  `json:"seed"`
	EndFrame uint64 `json:"end_frame"`
}

type Network struct {
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`
	Stops []Stop `json:"stops,omitempty"`
}

type Node struct {
	ID uint32  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

type Link struct {
	ID     uint32  `json:"id"`
	From   uint32  `json:"from"`
	To     uint32  `json:"to"`
	Length float64 `json:"length"`
}

type Stop struct {
	ID     uint32  `json:"id"`
	Link   uint32  `json:"link"`
	Offset float64 `json:"offset"`
}

// Server -> Client. Sent after every (subscribed) tick. Slow clients only
// ever see the latest one.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Frame           uint64 `json:"frame"`
	Ms              uint64 `json:"ms"`

	Population int    `json:"population"`
	Scheduled  int    `json:"scheduled"`
	Created    int    `json:"created"`
	Removed    int    `json:"removed"`
	Migrated   int    `json:"migrated"`
	Faults     int    `json:"faults"`
	Delivered  int    `json:"delivered"`
	Dropped    int    `json:"dropped"`
	Digest     string `json:"digest"`

	Workers []WorkerLoad   `json:"workers,omitempty"`
	Agents  []AgentState   `json:"agents,omitempty"`
	Records []RecordedItem `json:"records,omitempty"`
}

type WorkerLoad struct {
	ID     int     `json:"id"`
	Agents int     `json:"agents"`
	Load   float64 `json:"load"`
}

type AgentState struct {
	ID     uint64  `json:"id"`
	Kind   string  `json:"kind"`
	Link   uint32  `json:"link"`
	Offset float64 `json:"offset"`
}

type RecordedItem struct {
	Agent uint64 `json:"agent"`
	Kind  string `json:"kind"`
	Data  any    `json:"data,omitempty"`
}
