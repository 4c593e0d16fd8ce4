package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// GatewayClient is a thin client over GatewayServer's REST surface,
// mirroring the CiA 309-5 gateway's own client: one sequence counter,
// one Do that decodes the envelope and surfaces gateway errors.
type GatewayClient struct {
	http.Client
	baseURL           string
	apiVersion        string
	currentSequenceNb int
}

func NewGatewayClient(baseURL string, apiVersion string) *GatewayClient {
	return &GatewayClient{baseURL: baseURL, apiVersion: apiVersion}
}

// Do issues one request against target (a station address, or "all"
// for station-independent endpoints) and decodes response into resp.
func (c *GatewayClient) Do(method string, target string, uri string, body io.Reader, resp interface {
	GetResponse() string
}) error {
	c.currentSequenceNb++
	full := fmt.Sprintf("%s/ec/%s/%d/%s%s", c.baseURL, c.apiVersion, c.currentSequenceNb, target, uri)
	req, err := http.NewRequest(method, full, body)
	if err != nil {
		return err
	}
	httpResp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return err
	}
	if response := resp.GetResponse(); len(response) >= 6 && response[:6] == "ERROR:" {
		code, _ := strconv.ParseInt(response[6:], 0, 64)
		return NewGatewayError(int(code))
	}
	return nil
}

func (b *GatewayResponseBase) GetResponse() string { return b.Response }

// ReadSDO uploads one object via the gateway.
func (c *GatewayClient) ReadSDO(station uint16, index uint16, subindex uint8) (string, error) {
	resp := new(SDOReadResponse)
	resp.GatewayResponseBase = new(GatewayResponseBase)
	uri := fmt.Sprintf("/r/sdo/0x%x/0x%x", index, subindex)
	if err := c.Do(http.MethodGet, stationTarget(station), uri, nil, resp); err != nil {
		return "", err
	}
	return resp.Data, nil
}

// WriteSDO downloads one object via the gateway, data as a "0x..." hex
// literal.
func (c *GatewayClient) WriteSDO(station uint16, index uint16, subindex uint8, data string) error {
	resp := new(GatewayResponseBase)
	body, err := json.Marshal(SDOWriteRequest{Data: data})
	if err != nil {
		return err
	}
	uri := fmt.Sprintf("/w/sdo/0x%x/0x%x", index, subindex)
	return c.Do(http.MethodPut, stationTarget(station), uri, bytes.NewReader(body), resp)
}

func stationTarget(station uint16) string {
	return fmt.Sprintf("0x%x", station)
}
