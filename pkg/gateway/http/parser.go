package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

const APIVersion = "1.0"
const MaxSequenceNb = 2<<31 - 1

// uriPattern follows the CiA 309-5 URI shape (api version / sequence /
// target / command), addressing an EtherCAT station.
const uriPattern = `^/ec/(\d+\.\d+)/(\d{1,10})/(0x[0-9a-f]{1,4}|\d{1,5}|all)/(.*)$`

var regURI = regexp.MustCompile(uriPattern)
var regSDO = regexp.MustCompile(`^(r|read|w|write)/sdo/(0x[0-9a-f]{1,4}|\d{1,5})/(0x[0-9a-f]{1,2}|\d{1,3})$`)
var regState = regexp.MustCompile(`^(r|read|w|write)/state$`)

const tokenAll = -1

func parseTarget(s string) (int, error) {
	if s == "all" {
		return tokenAll, nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func parseIndexSubindex(indexStr, subStr string) (uint16, uint8, error) {
	index, err := strconv.ParseUint(indexStr, 0, 32)
	if err != nil || index > 0xFFFF {
		return 0, 0, ErrGwSyntaxError
	}
	sub, err := strconv.ParseUint(subStr, 0, 32)
	if err != nil || sub > 0xFF {
		return 0, 0, ErrGwSyntaxError
	}
	return uint16(index), uint8(sub), nil
}

// parseHexData decodes a "0x..." literal byte string, no reordering,
// the same convention pkg/config's parseHexBytes uses for raw SDO
// config values.
func parseHexData(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		v, err := strconv.ParseUint(s[2*i:2*i+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("parse hex byte %q: %w", s[2*i:2*i+2], err)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// newRequestFromRaw builds a sanitized GatewayRequest from the incoming
// HTTP request, checking API version, sequence number, and target
// bounds before any handler sees it.
func (g *GatewayServer) newRequestFromRaw(r *http.Request) (*GatewayRequest, error) {
	match := regURI.FindStringSubmatch(r.URL.Path)
	if len(match) != 5 {
		g.logger.Error("request does not match a known API pattern", "path", r.URL.Path)
		return nil, ErrGwSyntaxError
	}
	if match[1] != APIVersion {
		g.logger.Error("api version not supported", "version", match[1])
		return nil, ErrGwRequestNotSupported
	}
	sequence, err := strconv.Atoi(match[2])
	if err != nil || sequence > MaxSequenceNb {
		g.logger.Error("error processing sequence number", "sequence", match[2])
		return nil, ErrGwSyntaxError
	}
	target, err := parseTarget(match[3])
	if err != nil {
		g.logger.Error("error processing target station", "target", match[3])
		return nil, ErrGwUnsupportedStation
	}

	var parameters json.RawMessage
	err = json.NewDecoder(r.Body).Decode(&parameters)
	if err != nil && err != io.EOF {
		g.logger.Warn("failed to unmarshal request body", "err", err)
		return nil, ErrGwSyntaxError
	}
	return &GatewayRequest{
		target:     target,
		command:    match[4],
		sequence:   uint32(sequence),
		parameters: parameters,
	}, nil
}
