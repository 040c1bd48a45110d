package protocol

import (
	"time"

	"lsmrepl/pkg/op"
	"lsmrepl/pkg/types"
)

// Kind tags every message that travels between participants.
type Kind string

const (
	KindPrepare           Kind = "prepare"
	KindPrepareResponse   Kind = "prepare_rp"
	KindAccept            Kind = "accept"
	KindAcceptResponse    Kind = "accept_rp"
	KindLearn             Kind = "learn"
	KindTimeRequest       Kind = "time"
	KindTimeResponse      Kind = "time_rp"
	KindReplicate         Kind = "replicate"
	KindAck               Kind = "ack"
	KindFetch             Kind = "fetch"
	KindFetchResponse     Kind = "fetch_rp"
	KindLoad              Kind = "load"
	KindLoadResponse      Kind = "load_rp"
	KindChunk             Kind = "chunk"
	KindChunkResponse     Kind = "chunk_rp"
	KindState             Kind = "state"
	KindStateResponse     Kind = "state_rp"
	KindHeartbeat         Kind = "heartbeat"
	KindHeartbeatResponse Kind = "heartbeat_rp"
	KindExecute           Kind = "execute"
	KindExecuteResponse   Kind = "execute_rp"
	KindEmpty             Kind = "empty"
)

// Message is the closed set of protocol messages; only types in this package implement it.
type Message interface {
	Kind() Kind
	isMessage()
}

// Ballot orders lease proposals. Number is a millisecond timestamp; equal numbers are
// broken by proposer address.
type Ballot struct {
	Number   int64          `json:"n" yaml:"n"`
	Proposer types.PeerAddr `json:"p" yaml:"p"`
}

func (b Ballot) Compare(o Ballot) int {
	switch {
	case b.Number < o.Number:
		return -1
	case b.Number > o.Number:
		return 1
	case b.Proposer < o.Proposer:
		return -1
	case b.Proposer > o.Proposer:
		return 1
	}
	return 0
}

func (b Ballot) Less(o Ballot) bool { return b.Compare(o) < 0 }
func (b Ballot) IsZero() bool       { return b.Number == 0 && b.Proposer == "" }

// lease protocol

type Prepare struct {
	Cell   string `json:"cell"`
	Ballot Ballot `json:"ballot"`
}

type PrepareResponse struct {
	Cell     string      `json:"cell"`
	Ballot   Ballot      `json:"ballot"`
	OK       bool        `json:"ok"`
	Promised Ballot      `json:"promised"`
	Accepted Ballot      `json:"accepted"`
	Lease    types.Lease `json:"lease"`
}

type Accept struct {
	Cell   string      `json:"cell"`
	Ballot Ballot      `json:"ballot"`
	Lease  types.Lease `json:"lease"`
}

type AcceptResponse struct {
	Cell     string `json:"cell"`
	Ballot   Ballot `json:"ballot"`
	OK       bool   `json:"ok"`
	Promised Ballot `json:"promised"`
}

type Learn struct {
	Cell   string      `json:"cell"`
	Ballot Ballot      `json:"ballot"`
	Lease  types.Lease `json:"lease"`
}

// clock probing

type TimeRequest struct{}

type TimeResponse struct {
	UnixNano int64 `json:"unix_nano"`
}

func (r TimeResponse) Time() time.Time {
	return time.Unix(0, r.UnixNano)
}

// log shipping

type Replicate struct {
	Entry types.LogEntry `json:"entry"`
}

type Ack struct {
	LSN types.LSN `json:"lsn"`
}

type Fetch struct {
	From types.LSN `json:"from"`
	To   types.LSN `json:"to"`
}

type FetchResponse struct {
	Entries []types.LogEntry `json:"entries"`
}

type Load struct {
	Latest types.LSN `json:"latest"`
}

type LoadResponse struct {
	Manifest types.Manifest `json:"manifest"`
}

type ChunkRequest struct {
	Chunk types.Chunk `json:"chunk"`
}

type ChunkResponse struct {
	Chunk types.Chunk `json:"chunk"`
	Data  []byte      `json:"data"`
}

type StateRequest struct{}

type StateResponse struct {
	Latest types.LSN `json:"latest"`
}

type Heartbeat struct {
	Latest types.LSN `json:"latest"`
}

type HeartbeatResponse struct {
	Latest types.LSN `json:"latest"`
}

// client redirection

type Execute struct {
	Op op.Operation `json:"op"`
}

type ExecuteResponse struct {
	Result op.Result `json:"result"`
}

// Empty acknowledges a message that carries no answer.
type Empty struct{}

func (Prepare) Kind() Kind           { return KindPrepare }
func (PrepareResponse) Kind() Kind   { return KindPrepareResponse }
func (Accept) Kind() Kind            { return KindAccept }
func (AcceptResponse) Kind() Kind    { return KindAcceptResponse }
func (Learn) Kind() Kind             { return KindLearn }
func (TimeRequest) Kind() Kind       { return KindTimeRequest }
func (TimeResponse) Kind() Kind      { return KindTimeResponse }
func (Replicate) Kind() Kind         { return KindReplicate }
func (Ack) Kind() Kind               { return KindAck }
func (Fetch) Kind() Kind             { return KindFetch }
func (FetchResponse) Kind() Kind     { return KindFetchResponse }
func (Load) Kind() Kind              { return KindLoad }
func (LoadResponse) Kind() Kind      { return KindLoadResponse }
func (ChunkRequest) Kind() Kind      { return KindChunk }
func (ChunkResponse) Kind() Kind     { return KindChunkResponse }
func (StateRequest) Kind() Kind      { return KindState }
func (StateResponse) Kind() Kind     { return KindStateResponse }
func (Heartbeat) Kind() Kind         { return KindHeartbeat }
func (HeartbeatResponse) Kind() Kind { return KindHeartbeatResponse }
func (Execute) Kind() Kind           { return KindExecute }
func (ExecuteResponse) Kind() Kind   { return KindExecuteResponse }
func (Empty) Kind() Kind             { return KindEmpty }

func (Prepare) isMessage()           {}
func (PrepareResponse) isMessage()   {}
func (Accept) isMessage()            {}
func (AcceptResponse) isMessage()    {}
func (Learn) isMessage()             {}
func (TimeRequest) isMessage()       {}
func (TimeResponse) isMessage()      {}
func (Replicate) isMessage()         {}
func (Ack) isMessage()               {}
func (Fetch) isMessage()             {}
func (FetchResponse) isMessage()     {}
func (Load) isMessage()              {}
func (LoadResponse) isMessage()      {}
func (ChunkRequest) isMessage()      {}
func (ChunkResponse) isMessage()     {}
func (StateRequest) isMessage()      {}
func (StateResponse) isMessage()     {}
func (Heartbeat) isMessage()         {}
func (HeartbeatResponse) isMessage() {}
func (Execute) isMessage()           {}
func (ExecuteResponse) isMessage()   {}
func (Empty) isMessage()             {}
