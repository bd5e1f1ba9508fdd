// Package httpbinding with the HTTP protocol binding server and client.
// Property, action and event interactions are served on per-Thing routes;
// observation uses long-polling on the subscription sub-route.
package httpbinding

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/wostzone/servient-go/pkg/auth"
	"github.com/wostzone/servient-go/pkg/eventbus"
	"github.com/wostzone/servient-go/pkg/exposedthing"
	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

// DefaultPollTimeout bounds a single long-poll request. Clients re-issue the
// poll after an empty reply.
const DefaultPollTimeout = 60 * time.Second

// HttpBindingServer exposes Things over HTTP.
//
// Routes per Thing, relative to the Thing's URL name:
//  GET  /{thing}/property/{name}               read property
//  PUT  /{thing}/property/{name}               write property
//  GET  /{thing}/property/{name}/subscription  long-poll next change
//  POST /{thing}/action/{name}                 invoke action
//  GET  /{thing}/event/{name}/subscription     long-poll next emission
type HttpBindingServer struct {
	port     int
	formPort int

	// TLSConfig enables https when set
	TLSConfig *tls.Config

	// ActionTimeout bounds an action invocation. Default protocols.DefaultInvocationTTL.
	ActionTimeout time.Duration
	// PollTimeout bounds a single long-poll request
	PollTimeout time.Duration

	router     *mux.Router
	httpServer *http.Server

	// things by thing ID
	things map[string]*exposedthing.ExposedThing
	// security material per thing ID, keyed per scheme field
	security map[string]map[string]interface{}

	invocations *protocols.InvocationRegistry

	mutex   sync.Mutex
	running bool
}

// CreateHttpBindingServer creates the binding server on the given port.
// formPort is the port written into generated forms; pass 0 to use port.
func CreateHttpBindingServer(port int, formPort int) *HttpBindingServer {
	if formPort == 0 {
		formPort = port
	}
	server := &HttpBindingServer{
		port:          port,
		formPort:      formPort,
		ActionTimeout: protocols.DefaultInvocationTTL,
		PollTimeout:   DefaultPollTimeout,
		things:        make(map[string]*exposedthing.ExposedThing),
		security:      make(map[string]map[string]interface{}),
	}
	return server
}

// Protocol returns the binding identifier
func (server *HttpBindingServer) Protocol() string { return vocab.ProtocolHTTP }

// Port the server listens on
func (server *HttpBindingServer) Port() int { return server.port }

// FormPort is the port used in generated form hrefs
func (server *HttpBindingServer) FormPort() int { return server.formPort }

// SetThingCredentials installs the server-side secrets used to verify
// inbound requests for the given Thing.
func (server *HttpBindingServer) SetThingCredentials(thingID string, credentials map[string]interface{}) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.security[thingID] = credentials
}

// AddExposedThing starts routing requests for the Thing
func (server *HttpBindingServer) AddExposedThing(eThing *exposedthing.ExposedThing) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.things[eThing.TD.ID] = eThing
}

// RemoveExposedThing stops routing requests for the Thing
func (server *HttpBindingServer) RemoveExposedThing(thingID string) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	delete(server.things, thingID)
}

// getThing resolves the thing path segment to an exposed thing
func (server *HttpBindingServer) getThing(urlName string) *exposedthing.ExposedThing {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	for _, eThing := range server.things {
		if eThing.TD.UrlName() == urlName && eThing.IsExposed() {
			return eThing
		}
	}
	return nil
}

// Start the server. Starting a started server is a no-op. A failure to bind
// the port is returned and leaves the server stopped.
func (server *HttpBindingServer) Start() error {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	if server.running {
		return nil
	}
	logrus.Infof("Starting HTTP binding server on port %d", server.port)

	server.router = mux.NewRouter()
	server.router.HandleFunc("/{thing}/property/{name}", server.handleProperty).
		Methods(http.MethodGet, http.MethodPut)
	server.router.HandleFunc("/{thing}/property/{name}/subscription", server.handlePropertyPoll).
		Methods(http.MethodGet)
	server.router.HandleFunc("/{thing}/action/{name}", server.handleAction).
		Methods(http.MethodPost)
	server.router.HandleFunc("/{thing}/event/{name}/subscription", server.handleEventPoll).
		Methods(http.MethodGet)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", server.port))
	if err != nil {
		return fmt.Errorf("HTTP binding can't listen on port %d: %w", server.port, err)
	}
	server.invocations = protocols.NewInvocationRegistry(server.ActionTimeout)
	server.httpServer = &http.Server{
		Handler:   cors.AllowAll().Handler(server.router),
		TLSConfig: server.TLSConfig,
	}
	go func() {
		var serveErr error
		if server.TLSConfig != nil {
			serveErr = server.httpServer.ServeTLS(listener, "", "")
		} else {
			serveErr = server.httpServer.Serve(listener)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logrus.Errorf("HTTP binding server stopped: %s", serveErr)
		}
	}()
	server.running = true
	return nil
}

// Stop the server and close all connections. Idempotent.
func (server *HttpBindingServer) Stop() error {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	if !server.running {
		return nil
	}
	logrus.Infof("Stopping HTTP binding server on port %d", server.port)
	server.invocations.Stop()
	err := server.httpServer.Shutdown(context.Background())
	server.running = false
	return err
}

// authenticate verifies the request against the active security schemes of
// the Thing. Any passing scheme accepts the request. On failure the
// challenge of the first scheme is written and false is returned.
func (server *HttpBindingServer) authenticate(
	eThing *exposedthing.ExposedThing, resp http.ResponseWriter, req *http.Request) bool {

	server.mutex.Lock()
	credentials := server.security[eThing.TD.ID]
	server.mutex.Unlock()

	var first auth.Authenticator
	for _, schemeName := range eThing.TD.Security {
		scheme := eThing.TD.SecurityDefinitions[schemeName]
		if scheme == nil {
			continue
		}
		authenticator := auth.BuildAuthenticator(scheme, credentials)
		if first == nil {
			first = authenticator
		}
		if err := authenticator.Authenticate(req); err == nil {
			return true
		}
	}
	logrus.Infof("Unauthenticated %s request for thing '%s' from %s",
		req.Method, eThing.TD.ID, req.RemoteAddr)
	if first != nil {
		first.WriteChallenge(resp)
	} else {
		http.Error(resp, "unauthorized", http.StatusUnauthorized)
	}
	return false
}

func (server *HttpBindingServer) handleProperty(resp http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	eThing := server.getThing(vars["thing"])
	if eThing == nil {
		http.NotFound(resp, req)
		return
	}
	if !server.authenticate(eThing, resp, req) {
		return
	}
	name := server.resolveName(eThing, vars["name"], vocab.InteractionTypeProperty)
	if name == "" {
		http.NotFound(resp, req)
		return
	}
	if req.Method == http.MethodGet {
		value, err := eThing.ReadProperty(name)
		if err != nil {
			writeError(resp, http.StatusNotFound, err)
			return
		}
		writeJSON(resp, map[string]interface{}{"value": value.Value})
		return
	}
	// PUT: body is {"value": v} or the raw value
	var body map[string]json.RawMessage
	raw := readBody(req)
	value := raw
	if err := json.Unmarshal(raw, &body); err == nil {
		if wrapped, found := body["value"]; found {
			value = wrapped
		}
	}
	if err := eThing.HandleWriteProperty(name, value); err != nil {
		writeError(resp, http.StatusBadRequest, err)
		return
	}
	writeJSON(resp, map[string]interface{}{"value": nil})
}

func (server *HttpBindingServer) handlePropertyPoll(resp http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	eThing := server.getThing(vars["thing"])
	if eThing == nil {
		http.NotFound(resp, req)
		return
	}
	if !server.authenticate(eThing, resp, req) {
		return
	}
	name := server.resolveName(eThing, vars["name"], vocab.InteractionTypeProperty)
	if name == "" {
		http.NotFound(resp, req)
		return
	}
	ev, ok := server.awaitEvent(req, eThing, eventbus.FilterPropertyChange(name))
	if !ok {
		resp.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(resp, map[string]interface{}{"value": ev.Value})
}

func (server *HttpBindingServer) handleEventPoll(resp http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	eThing := server.getThing(vars["thing"])
	if eThing == nil {
		http.NotFound(resp, req)
		return
	}
	if !server.authenticate(eThing, resp, req) {
		return
	}
	name := server.resolveName(eThing, vars["name"], vocab.InteractionTypeEvent)
	if name == "" {
		http.NotFound(resp, req)
		return
	}
	filter := func(ev eventbus.EmittedEvent) bool {
		return ev.EventType == eventbus.EventTypeCustom && ev.Name == name
	}
	ev, ok := server.awaitEvent(req, eThing, filter)
	if !ok {
		resp.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(resp, map[string]interface{}{
		"name":      ev.Name,
		"payload":   ev.Value,
		"timestamp": ev.Timestamp,
	})
}

// awaitEvent subscribes, waits for the first matching event, disposes the
// subscription and returns the event. False when the poll timed out or the
// client went away.
func (server *HttpBindingServer) awaitEvent(req *http.Request,
	eThing *exposedthing.ExposedThing, filter eventbus.EventFilter) (eventbus.EmittedEvent, bool) {

	evChan := make(chan eventbus.EmittedEvent, 1)
	sub := eThing.Events().SubscribeFiltered(filter, eventbus.Observer{
		Next: func(ev eventbus.EmittedEvent) {
			select {
			case evChan <- ev:
			default:
			}
		},
	})
	defer sub.Unsubscribe()

	select {
	case ev := <-evChan:
		return ev, true
	case <-req.Context().Done():
		return eventbus.EmittedEvent{}, false
	case <-time.After(server.PollTimeout):
		return eventbus.EmittedEvent{}, false
	}
}

func (server *HttpBindingServer) handleAction(resp http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	eThing := server.getThing(vars["thing"])
	if eThing == nil {
		http.NotFound(resp, req)
		return
	}
	if !server.authenticate(eThing, resp, req) {
		return
	}
	name := server.resolveName(eThing, vars["name"], vocab.InteractionTypeAction)
	if name == "" {
		http.NotFound(resp, req)
		return
	}
	var body struct {
		Input json.RawMessage `json:"input"`
	}
	raw := readBody(req)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			writeError(resp, http.StatusBadRequest, err)
			return
		}
	}
	inv := server.invocations.Add(eThing.TD.ID, name)
	go func() {
		result, err := eThing.HandleInvokeAction(name, body.Input)
		inv.Finish(result, err)
	}()
	select {
	case <-inv.Done:
	case <-time.After(server.ActionTimeout):
		server.invocations.Remove(inv.ID)
		writeJSON(resp, map[string]interface{}{"error": "action invocation timed out"})
		return
	}
	server.invocations.Remove(inv.ID)
	if inv.Err != nil {
		writeJSON(resp, map[string]interface{}{"error": inv.Err.Error()})
		return
	}
	writeJSON(resp, map[string]interface{}{"result": inv.Result})
}

// resolveName maps the URL-safe interaction name from the path to the TD
// interaction name of the given type. Returns "" when not found.
func (server *HttpBindingServer) resolveName(
	eThing *exposedthing.ExposedThing, urlName string, interactionType string) string {

	for _, name := range eThing.TD.InteractionNames() {
		if thing.UrlName(name) == urlName && eThing.TD.InteractionTypeOf(name) == interactionType {
			return name
		}
	}
	return ""
}

// BuildForms returns this server's auto-generated forms for the interaction
func (server *HttpBindingServer) BuildForms(hostname string, td *thing.ThingTD, name string) []thing.Form {
	base := server.BuildBaseURL(hostname, td)
	urlName := thing.UrlName(name)
	var forms []thing.Form

	if prop := td.GetProperty(name); prop != nil {
		ops := thing.StringList{vocab.OpReadProperty}
		if !prop.ReadOnly {
			ops = append(ops, vocab.OpWriteProperty)
		}
		forms = append(forms, thing.Form{
			Href:        fmt.Sprintf("%s/property/%s", base, urlName),
			ContentType: vocab.MediaTypeJSON,
			Op:          ops,
			Protocol:    server.Protocol(),
		})
		if prop.Observable {
			forms = append(forms, thing.Form{
				Href:        fmt.Sprintf("%s/property/%s/subscription", base, urlName),
				ContentType: vocab.MediaTypeJSON,
				Op:          thing.StringList{vocab.OpObserveProperty},
				Subprotocol: "longpoll",
				Protocol:    server.Protocol(),
			})
		}
	} else if td.GetAction(name) != nil {
		forms = append(forms, thing.Form{
			Href:        fmt.Sprintf("%s/action/%s", base, urlName),
			ContentType: vocab.MediaTypeJSON,
			Op:          thing.StringList{vocab.OpInvokeAction},
			Protocol:    server.Protocol(),
		})
	} else if td.GetEvent(name) != nil {
		forms = append(forms, thing.Form{
			Href:        fmt.Sprintf("%s/event/%s/subscription", base, urlName),
			ContentType: vocab.MediaTypeJSON,
			Op:          thing.StringList{vocab.OpSubscribeEvent, vocab.OpUnsubscribeEvent},
			Subprotocol: "longpoll",
			Protocol:    server.Protocol(),
		})
	}
	return forms
}

// BuildBaseURL returns the base URL of the Thing on this server
func (server *HttpBindingServer) BuildBaseURL(hostname string, td *thing.ThingTD) string {
	scheme := vocab.SchemeHTTP
	if server.TLSConfig != nil {
		scheme = vocab.SchemeHTTPS
	}
	return fmt.Sprintf("%s://%s:%d/%s", scheme, hostname, server.formPort, td.UrlName())
}

func readBody(req *http.Request) []byte {
	if req.Body == nil {
		return nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil
	}
	return body
}

func writeJSON(resp http.ResponseWriter, value interface{}) {
	resp.Header().Set("Content-Type", vocab.MediaTypeJSON)
	_ = json.NewEncoder(resp).Encode(value)
}

func writeError(resp http.ResponseWriter, status int, err error) {
	resp.Header().Set("Content-Type", vocab.MediaTypeJSON)
	resp.WriteHeader(status)
	_ = json.NewEncoder(resp).Encode(map[string]string{"error": err.Error()})
}
