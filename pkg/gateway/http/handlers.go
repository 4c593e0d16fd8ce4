package http

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samsamfire/goethercat/pkg/alstate"
	"github.com/samsamfire/goethercat/pkg/coe"
)

// doneWriter wraps an [http.ResponseWriter] and tracks whether a write
// already happened, so the dispatcher knows whether to fall back to the
// default success envelope.
type doneWriter struct {
	http.ResponseWriter
	done bool
}

func (w *doneWriter) WriteHeader(status int) {
	w.done = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *doneWriter) Write(b []byte) (int, error) {
	w.done = true
	return w.ResponseWriter.Write(b)
}

// GatewayRequestHandler handles one parsed GatewayRequest, writing its
// own response through w or returning an error for the dispatcher to
// render.
type GatewayRequestHandler func(w doneWriter, req *GatewayRequest) error

// handleRequest is the single net/http.ServeMux route every request
// enters through. A command is looked up verbatim first, then by its
// first "/"-separated segment, mirroring the CiA 309-5 gateway's
// truncated-command fallback (e.g. "r/sdo/0x6040/0x00" falls back to
// "r").
func (g *GatewayServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	g.logger.Debug("handle incoming request", "path", r.URL.Path)
	req, err := g.newRequestFromRaw(r)
	if err != nil {
		w.Write(NewResponseError(0, err))
		return
	}

	route, ok := g.routes[req.command]
	if !ok {
		firstCommand := req.command
		if i := strings.Index(req.command, "/"); i != -1 {
			firstCommand = req.command[:i]
		}
		route, ok = g.routes[firstCommand]
		if !ok {
			g.logger.Debug("no handler found", "command", req.command)
			w.Write(NewResponseError(int(req.sequence), ErrGwRequestNotSupported))
			return
		}
	}

	dw := doneWriter{ResponseWriter: w}
	err = route(dw, req)
	if err != nil {
		w.Write(NewResponseError(int(req.sequence), err))
		return
	}
	if !dw.done {
		dw.Write(NewResponseSuccess(int(req.sequence)))
	}
}

// handlerRead dispatches GET-style commands: SDO upload or an AL-state
// read.
func (g *GatewayServer) handlerRead(w doneWriter, req *GatewayRequest) error {
	if m := regSDO.FindStringSubmatch(req.command); m != nil {
		return g.handlerSDORead(w, req, m)
	}
	if regState.MatchString(req.command) {
		return g.handlerStateRead(w, req)
	}
	return ErrGwSyntaxError
}

// handlerWrite dispatches PUT-style commands: SDO download or an
// AL-state change request.
func (g *GatewayServer) handlerWrite(w doneWriter, req *GatewayRequest) error {
	if m := regSDO.FindStringSubmatch(req.command); m != nil {
		return g.handlerSDOWrite(w, req, m)
	}
	if regState.MatchString(req.command) {
		return g.handlerStateWrite(w, req)
	}
	return ErrGwSyntaxError
}

func (g *GatewayServer) handlerSDORead(w doneWriter, req *GatewayRequest, m []string) error {
	if req.target < 0 {
		return ErrGwUnsupportedStation
	}
	index, subindex, err := parseIndexSubindex(m[2], m[3])
	if err != nil {
		return err
	}

	var data []byte
	err = g.api.RunSDO(uint16(req.target), func(c *coe.Client) error {
		var uerr error
		data, uerr = c.Upload(index, subindex)
		return uerr
	})
	if err != nil {
		return asGatewayError(err)
	}

	resp := SDOReadResponse{
		GatewayResponseBase: NewResponseBase(int(req.sequence), "OK"),
		Data:                "0x" + hex.EncodeToString(data),
		Length:              len(data),
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return ErrGwRequestNotProcessed
	}
	w.Write(raw)
	return nil
}

func (g *GatewayServer) handlerSDOWrite(w doneWriter, req *GatewayRequest, m []string) error {
	if req.target < 0 {
		return ErrGwUnsupportedStation
	}
	index, subindex, err := parseIndexSubindex(m[2], m[3])
	if err != nil {
		return err
	}

	var body SDOWriteRequest
	if err := json.Unmarshal(req.parameters, &body); err != nil {
		return ErrGwSyntaxError
	}
	data, err := parseHexData(body.Data)
	if err != nil {
		return ErrGwSyntaxError
	}

	err = g.api.RunSDO(uint16(req.target), func(c *coe.Client) error {
		return c.Download(index, subindex, data)
	})
	if err != nil {
		return asGatewayError(err)
	}
	return nil
}

func (g *GatewayServer) handlerStateRead(w doneWriter, req *GatewayRequest) error {
	if req.target < 0 {
		return ErrGwUnsupportedStation
	}
	slave := findSlave(g.api.Slaves(), uint16(req.target))
	if slave == nil {
		return ErrGwUnsupportedStation
	}

	resp := StateResponse{
		GatewayResponseBase: NewResponseBase(int(req.sequence), "OK"),
		State:               slave.CurrentState.String(),
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return ErrGwRequestNotProcessed
	}
	w.Write(raw)
	return nil
}

// handlerStateWrite sets a slave's requested AL state; the bring-up FSM
// picks up the new RequestedState the next time the master
// drives ConfigureNext, it does not transition the slave itself.
func (g *GatewayServer) handlerStateWrite(w doneWriter, req *GatewayRequest) error {
	if req.target < 0 {
		return ErrGwUnsupportedStation
	}
	slave := findSlave(g.api.Slaves(), uint16(req.target))
	if slave == nil {
		return ErrGwUnsupportedStation
	}

	var body StateRequest
	if err := json.Unmarshal(req.parameters, &body); err != nil {
		return ErrGwSyntaxError
	}
	target, err := parseALState(body.Value)
	if err != nil {
		return ErrGwSyntaxError
	}
	slave.RequestedState = target
	return nil
}

func (g *GatewayServer) handlerSlaves(w doneWriter, req *GatewayRequest) error {
	slaves := g.api.Slaves()
	out := make([]SlaveInfo, len(slaves))
	for i, s := range slaves {
		out[i] = SlaveInfo{
			StationAddress: s.StationAddress,
			Alias:          s.EffectiveAlias,
			RingPosition:   s.RingPosition,
			CurrentState:   s.CurrentState.String(),
			RequestedState: s.RequestedState.String(),
			ErrorFlag:      s.ErrorFlag,
		}
	}

	resp := SlaveListResponse{GatewayResponseBase: NewResponseBase(int(req.sequence), "OK"), Slaves: out}
	raw, err := json.Marshal(resp)
	if err != nil {
		return ErrGwRequestNotProcessed
	}
	w.Write(raw)
	return nil
}

func (g *GatewayServer) handlerDomain(w doneWriter, req *GatewayRequest) error {
	if g.domain == nil {
		return ErrGwRequestNotSupported
	}
	resp := DomainResponse{
		GatewayResponseBase: NewResponseBase(int(req.sequence), "OK"),
		State:               g.domain.LastState.String(),
		Size:                len(g.domain.Data()),
		StaleFMMUs:          len(g.domain.Stale),
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return ErrGwRequestNotProcessed
	}
	w.Write(raw)
	return nil
}

func (g *GatewayServer) handlerVersion(w doneWriter, req *GatewayRequest) error {
	resp := VersionInfo{GatewayResponseBase: NewResponseBase(int(req.sequence), "OK"), Version: GatewayVersion}
	raw, err := json.Marshal(resp)
	if err != nil {
		return ErrGwRequestNotProcessed
	}
	w.Write(raw)
	return nil
}

// asGatewayError surfaces a failed RunSDO call's underlying CoE abort
// code as a GatewayError, instead of collapsing every failure to a
// generic "not processed".
func asGatewayError(err error) error {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	var abortErr *coe.AbortError
	if errors.As(err, &abortErr) {
		return NewGatewayError(int(abortErr.Code))
	}
	return ErrGwRequestNotProcessed
}

func parseALState(s string) (alstate.State, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INIT":
		return alstate.StateInit, nil
	case "PREOP":
		return alstate.StatePreOp, nil
	case "BOOT":
		return alstate.StateBoot, nil
	case "SAFEOP":
		return alstate.StateSafeOp, nil
	case "OP":
		return alstate.StateOp, nil
	default:
		return alstate.StateUnknown, fmt.Errorf("unknown AL state %q", s)
	}
}
