// Package http implements an EtherCAT operator HTTP surface: a
// read-mostly REST gateway over a running master — slave
// listing and AL-state request, SDO upload/download, and a process-data
// domain snapshot — for operators and scripts that would otherwise need
// to link against pkg/master directly. A single catch-all
// net/http.ServeMux route feeds a command route table with
// truncated-command fallback, a doneWriter wrapper
// tracking whether a handler already wrote its own response, and
// numeric GatewayError codes wrapped in a small JSON envelope.
package http

import (
	"log/slog"
	"net/http"

	"github.com/samsamfire/goethercat/pkg/coe"
	"github.com/samsamfire/goethercat/pkg/domain"
	"github.com/samsamfire/goethercat/pkg/master"
)

// GatewayVersion is this API's implementation version, reported by
// /info/version.
const GatewayVersion = "1.0.0"

// MasterAPI is the subset of *master.Master the gateway depends on:
// the current slave population, and running one SDO access to
// completion on the master's own thread. *master.Master satisfies it through
// masterAdapter below; tests substitute a synchronous fake, the same
// narrow-interface approach pkg/alstate's RegisterIO and pkg/dc's
// self-contained Slave type use to avoid depending on a whole package
// just to exercise one corner of it.
type MasterAPI interface {
	Slaves() []*master.Slave
	RunSDO(station uint16, fn func(*coe.Client) error) error
}

// masterAdapter wires MasterAPI onto a real *master.Master, routing SDO
// access through EnqueueRequest/Wait rather than calling the SDO client
// directly from the HTTP handler goroutine.
type masterAdapter struct{ m *master.Master }

// NewMasterAdapter wraps a live master for use as a GatewayServer's
// MasterAPI.
func NewMasterAdapter(m *master.Master) MasterAPI { return masterAdapter{m} }

func (a masterAdapter) Slaves() []*master.Slave { return a.m.Slaves() }

func (a masterAdapter) RunSDO(station uint16, fn func(*coe.Client) error) error {
	slave := findSlave(a.m.Slaves(), station)
	if slave == nil {
		return ErrGwUnsupportedStation
	}
	req := master.NewRequest(master.RequestSDO, station, func() error {
		return fn(a.m.NewSDOClient(slave))
	})
	a.m.EnqueueRequest(req)
	return req.Wait()
}

func findSlave(slaves []*master.Slave, station uint16) *master.Slave {
	for _, s := range slaves {
		if s.StationAddress == station {
			return s
		}
	}
	return nil
}

// GatewayServer is the HTTP surface itself: a route table dispatched
// from a single catch-all handler, same shape as the CiA 309-5 gateway.
type GatewayServer struct {
	api    MasterAPI
	domain *domain.Domain
	logger *slog.Logger

	serveMux *http.ServeMux
	routes   map[string]GatewayRequestHandler
}

// NewGatewayServer builds a gateway over api (typically a
// NewMasterAdapter-wrapped master.Master) and, optionally, dom for the
// /domain snapshot endpoint (nil disables it).
func NewGatewayServer(api MasterAPI, dom *domain.Domain, logger *slog.Logger) *GatewayServer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "[HTTP]")
	g := &GatewayServer{api: api, domain: dom, logger: logger}
	g.serveMux = http.NewServeMux()
	g.serveMux.HandleFunc("/", g.handleRequest)
	g.routes = make(map[string]GatewayRequestHandler)

	g.logger.Info("initializing http gateway endpoints")
	g.addRoute("r", g.handlerRead)
	g.addRoute("read", g.handlerRead)
	g.addRoute("w", g.handlerWrite)
	g.addRoute("write", g.handlerWrite)
	g.addRoute("slaves", g.handlerSlaves)
	g.addRoute("domain", g.handlerDomain)
	g.addRoute("info/version", g.handlerVersion)
	g.logger.Info("finished initializing")

	return g
}

// ListenAndServe runs the gateway, blocking.
func (g *GatewayServer) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, g.serveMux)
}

func (g *GatewayServer) addRoute(command string, handler GatewayRequestHandler) {
	g.logger.Debug("registering route", "command", command)
	g.routes[command] = handler
}
