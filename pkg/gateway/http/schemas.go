package http

import (
	"encoding/json"
	"strconv"
)

// GatewayResponseBase is the envelope every response carries, mirroring
// the CiA 309-5 gateway's sequence/response pair: Response is "OK" or
// "ERROR:<code>".
type GatewayResponseBase struct {
	Sequence string `json:"sequence"`
	Response string `json:"response"`
}

func NewResponseBase(sequence int, response string) *GatewayResponseBase {
	return &GatewayResponseBase{Sequence: strconv.Itoa(sequence), Response: response}
}

func NewResponseError(sequence int, err error) []byte {
	gwErr, ok := err.(*GatewayError)
	if !ok {
		gwErr = ErrGwRequestNotProcessed
	}
	jData, _ := json.Marshal(map[string]string{"sequence": strconv.Itoa(sequence), "response": gwErr.Error()})
	return jData
}

func NewResponseSuccess(sequence int) []byte {
	jData, _ := json.Marshal(map[string]string{"sequence": strconv.Itoa(sequence), "response": "OK"})
	return jData
}

// GatewayRequest is one parsed HTTP request: target is the EtherCAT
// station address, or tokenAll for station-independent commands
// (/slaves, /domain, /info/version).
type GatewayRequest struct {
	target     int
	command    string
	sequence   uint32
	parameters json.RawMessage
}

type SDOReadResponse struct {
	*GatewayResponseBase
	Data   string `json:"data"`
	Length int    `json:"length,omitempty"`
}

type SDOWriteRequest struct {
	Data string `json:"data"`
}

type StateRequest struct {
	Value string `json:"value"`
}

type StateResponse struct {
	*GatewayResponseBase
	State string `json:"state"`
}

type SlaveInfo struct {
	StationAddress uint16 `json:"station_address"`
	Alias          uint16 `json:"alias"`
	RingPosition   uint16 `json:"ring_position"`
	CurrentState   string `json:"current_state"`
	RequestedState string `json:"requested_state"`
	ErrorFlag      bool   `json:"error_flag"`
}

type SlaveListResponse struct {
	*GatewayResponseBase
	Slaves []SlaveInfo `json:"slaves"`
}

type DomainResponse struct {
	*GatewayResponseBase
	State      string `json:"state"`
	Size       int    `json:"size"`
	StaleFMMUs int    `json:"stale_fmmus"`
}

type VersionInfo struct {
	*GatewayResponseBase
	Version string `json:"gateway_version"`
}
