package http

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/goethercat/pkg/alstate"
	"github.com/samsamfire/goethercat/pkg/coe"
	"github.com/samsamfire/goethercat/pkg/domain"
	"github.com/samsamfire/goethercat/pkg/master"
)

// fakeTransport is a minimal CoE mailbox server: it answers whatever
// the client's last write was through responder.
type fakeTransport struct {
	sent      [][]byte
	responder func(req []byte) []byte
}

func (t *fakeTransport) Write(payload []byte) error {
	t.sent = append(t.sent, append([]byte(nil), payload...))
	return nil
}

func (t *fakeTransport) Read(timeout time.Duration) ([]byte, error) {
	return t.responder(t.sent[len(t.sent)-1]), nil
}

func expeditedUploadResponse(index uint16, subindex uint8, data []byte) []byte {
	n := len(data)
	buf := make([]byte, coe.MailboxHeaderSize+10)
	coe.MailboxHeader{Length: 10, Type: coe.MailboxCoE}.Encode(buf)
	body := buf[coe.MailboxHeaderSize:]
	binary.LittleEndian.PutUint16(body[0:2], coe.EncodeCoEHeader(0, coe.CoEServiceSDOResponse))
	body[2] = (2 << 5) | 0x03 | byte(4-n)<<2 // upload response, expedited, size indicated
	binary.LittleEndian.PutUint16(body[3:5], index)
	body[5] = subindex
	copy(body[6:6+n], data)
	return buf
}

func expeditedDownloadResponse(index uint16, subindex uint8) []byte {
	buf := make([]byte, coe.MailboxHeaderSize+8)
	coe.MailboxHeader{Length: 8, Type: coe.MailboxCoE}.Encode(buf)
	body := buf[coe.MailboxHeaderSize:]
	binary.LittleEndian.PutUint16(body[0:2], coe.EncodeCoEHeader(0, coe.CoEServiceSDOResponse))
	body[2] = 3 << 5 // download response
	binary.LittleEndian.PutUint16(body[3:5], index)
	body[5] = subindex
	return buf
}

// fakeMaster implements MasterAPI synchronously, without the real
// master's cyclic request-queue machinery: enough to exercise a
// handler's logic in isolation, the same approach pkg/dc's tests take
// with synthetic Slave fixtures instead of a real scanned bus.
type fakeMaster struct {
	slaves    []*master.Slave
	transport *fakeTransport
}

func (f *fakeMaster) Slaves() []*master.Slave { return f.slaves }

func (f *fakeMaster) RunSDO(station uint16, fn func(*coe.Client) error) error {
	if findSlave(f.slaves, station) == nil {
		return ErrGwUnsupportedStation
	}
	client := coe.NewClient(f.transport, station, 128, 128)
	return fn(client)
}

func newTestServer(t *testing.T, api MasterAPI, dom *domain.Domain) (*httptest.Server, func()) {
	t.Helper()
	gw := NewGatewayServer(api, dom, nil)
	ts := httptest.NewServer(gw.serveMux)
	return ts, ts.Close
}

func decodeJSON(resp *http.Response, v interface{}) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func TestInvalidURIsAreRejected(t *testing.T) {
	api := &fakeMaster{}
	ts, closeFn := newTestServer(t, api, nil)
	defer closeFn()

	resp, err := http.Get(ts.URL + "/not-the-api-at-all")
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded GatewayResponseBase
	require.NoError(t, decodeJSON(resp, &decoded))
	assert.Equal(t, "ERROR:101", decoded.Response)
}

func TestReadSDOReturnsUploadedData(t *testing.T) {
	transport := &fakeTransport{responder: func(req []byte) []byte {
		return expeditedUploadResponse(0x6041, 0x00, []byte{0x08, 0x00})
	}}
	api := &fakeMaster{
		slaves:    []*master.Slave{{StationAddress: 0x1001}},
		transport: transport,
	}
	ts, closeFn := newTestServer(t, api, nil)
	defer closeFn()

	client := NewGatewayClient(ts.URL, APIVersion)
	data, err := client.ReadSDO(0x1001, 0x6041, 0x00)
	require.NoError(t, err)
	assert.Equal(t, "0x0800", data)
}

func TestReadSDOOnUnknownStationIsUnsupportedStation(t *testing.T) {
	api := &fakeMaster{slaves: nil}
	ts, closeFn := newTestServer(t, api, nil)
	defer closeFn()

	client := NewGatewayClient(ts.URL, APIVersion)
	_, err := client.ReadSDO(0x9999, 0x6041, 0x00)
	require.Error(t, err)
	assert.EqualValues(t, &GatewayError{Code: 106}, err)
}

func TestWriteSDOSendsExpeditedDownload(t *testing.T) {
	transport := &fakeTransport{responder: func(req []byte) []byte {
		return expeditedDownloadResponse(0x6072, 0x00)
	}}
	api := &fakeMaster{
		slaves:    []*master.Slave{{StationAddress: 0x1001}},
		transport: transport,
	}
	ts, closeFn := newTestServer(t, api, nil)
	defer closeFn()

	client := NewGatewayClient(ts.URL, APIVersion)
	err := client.WriteSDO(0x1001, 0x6072, 0x00, "0x1027")
	require.NoError(t, err)
	require.Len(t, transport.sent, 1)

	body := transport.sent[0][coe.MailboxHeaderSize:]
	assert.Equal(t, []byte{0x10, 0x27, 0x00, 0x00}, body[6:10], "written in the order supplied, no reordering")
}

func TestSlavesEndpointListsStationsAndStates(t *testing.T) {
	api := &fakeMaster{slaves: []*master.Slave{
		{StationAddress: 0x1000, CurrentState: alstate.StateOp, RequestedState: alstate.StateOp},
		{StationAddress: 0x1001, CurrentState: alstate.StatePreOp, RequestedState: alstate.StateOp, ErrorFlag: true},
	}}
	ts, closeFn := newTestServer(t, api, nil)
	defer closeFn()

	resp, err := http.Get(ts.URL + "/ec/1.0/1/all/slaves")
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded SlaveListResponse
	require.NoError(t, decodeJSON(resp, &decoded))
	require.Len(t, decoded.Slaves, 2)
	assert.Equal(t, "OP", decoded.Slaves[0].CurrentState)
	assert.True(t, decoded.Slaves[1].ErrorFlag)
}

func TestDomainEndpointReportsLastState(t *testing.T) {
	dom := domain.New(0)
	dom.RegisterFMMU(domain.DirInput, 2)
	require.NoError(t, dom.Finish())
	_, err := dom.Process()
	require.NoError(t, err)

	api := &fakeMaster{}
	ts, closeFn := newTestServer(t, api, dom)
	defer closeFn()

	resp, err := http.Get(ts.URL + "/ec/1.0/1/all/domain")
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded DomainResponse
	require.NoError(t, decodeJSON(resp, &decoded))
	assert.Equal(t, "ZERO", decoded.State)
	assert.Equal(t, 2, decoded.Size)
}

func TestInfoVersionIsExactRouteNotTruncated(t *testing.T) {
	api := &fakeMaster{}
	ts, closeFn := newTestServer(t, api, nil)
	defer closeFn()

	resp, err := http.Get(ts.URL + "/ec/1.0/1/all/info/version")
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded VersionInfo
	require.NoError(t, decodeJSON(resp, &decoded))
	assert.Equal(t, GatewayVersion, decoded.Version)
}

func TestStateWriteSetsRequestedStateWithoutDrivingTransition(t *testing.T) {
	slave := &master.Slave{StationAddress: 0x1001, CurrentState: alstate.StateInit}
	api := &fakeMaster{slaves: []*master.Slave{slave}}
	ts, closeFn := newTestServer(t, api, nil)
	defer closeFn()

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/ec/1.0/1/0x1001/w/state",
		jsonBody(t, StateRequest{Value: "OP"}))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, alstate.StateOp, slave.RequestedState)
	assert.Equal(t, alstate.StateInit, slave.CurrentState, "write only requests, it never drives the transition itself")
}
