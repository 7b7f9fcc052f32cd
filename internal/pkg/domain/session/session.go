package session

import (
	"context"
	"time"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/valuecodec"
)

//Session is one live connection to an OPC UA server. Implementations are not
//assumed to be safe for concurrent use; the Manager serialises every call.
type Session interface {
	Read(ctx context.Context, nodeID string) (Reading, error)
	Write(ctx context.Context, nodeID string, value valuecodec.TypedValue) error
	Browse(ctx context.Context, nodeID string) ([]BrowseResult, error)
	RegisterNodes(ctx context.Context, nodeIDs []string) ([]string, error)
	UnregisterNodes(ctx context.Context, handles []string) error
	//Connected must be safe to call concurrently with the other methods
	Connected() bool
	Close(ctx context.Context) error
}

//Dialer opens sessions
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Session, error)
}

//Reading is a single value read from the server
type Reading struct {
	Value           interface{}
	DataType        valuecodec.DataType
	Quality         string
	SourceTimestamp time.Time
	ServerTimestamp time.Time
}

//BrowseResult describes one node found below the browsed node
type BrowseResult struct {
	NodeID      string `json:"nodeId"`
	BrowseName  string `json:"browseName"`
	DisplayName string `json:"displayName"`
	NodeClass   string `json:"nodeClass"`
}

//SettingsStore remembers the last configuration that connected successfully
type SettingsStore interface {
	SaveLastConfig(cfg Config) error
	LoadLastConfig() (Config, bool, error)
}

//LossNotifier is told once for every dropped connection
type LossNotifier interface {
	ConnectionLost(endpoint, reason string)
}

//State is the connection state of the Manager
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	}
	return "Disconnected"
}

//ConnectionInfo is returned by a successful Connect
type ConnectionInfo struct {
	Endpoint       string         `json:"endpoint"`
	SecurityPolicy SecurityPolicy `json:"securityPolicy"`
	SecurityMode   SecurityMode   `json:"securityMode"`
	AuthMode       AuthMode       `json:"authType"`
	ConnectedAt    time.Time      `json:"connectedAt"`
}

//Status is the externally visible connection state
type Status struct {
	IsConnected bool   `json:"connected"`
	Endpoint    string `json:"endpoint"`
}
