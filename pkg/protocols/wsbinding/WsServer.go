// Package wsbinding with the WebSocket protocol binding server and client.
//
// A single socket carries JSON-RPC 2.0 messages for all interaction verbs.
// Supported methods:
//
//	readProperty    params {"name"}            result {"value"}
//	writeProperty   params {"name", "value"}   result true
//	invokeAction    params {"name", "input"}   result {"result"}
//	observeProperty params {"name"}            result {"subscription"}
//	subscribeEvent  params {"name"}            result {"subscription"}
//	unsubscribe     params {"subscription"}    result true
//
// Subscriptions push server-initiated notifications with method "notify" and
// params {"subscription", "type", "name", "value"|"data"} until the client
// unsubscribes or the socket closes. Closing the socket disposes every
// subscription bound to it.
package wsbinding

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/wostzone/servient-go/pkg/auth"
	"github.com/wostzone/servient-go/pkg/eventbus"
	"github.com/wostzone/servient-go/pkg/exposedthing"
	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

// JSON-RPC 2.0 error codes used by the binding
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// rpcMessage is the union of the JSON-RPC request, response and notification
// shapes. Which members are set determines the role of the message.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// wsSession is the server side of one upgraded socket. Writes are serialized
// through the mutex as notifications are pushed from subscription callbacks.
type wsSession struct {
	conn       *websocket.Conn
	writeMutex sync.Mutex

	mutex         sync.Mutex
	subscriptions map[string]*eventbus.Subscription
}

func (session *wsSession) send(msg *rpcMessage) error {
	session.writeMutex.Lock()
	defer session.writeMutex.Unlock()
	return session.conn.WriteJSON(msg)
}

func (session *wsSession) addSubscription(id string, sub *eventbus.Subscription) {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	session.subscriptions[id] = sub
}

func (session *wsSession) removeSubscription(id string) *eventbus.Subscription {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	sub := session.subscriptions[id]
	delete(session.subscriptions, id)
	return sub
}

// dispose unsubscribes everything bound to this socket
func (session *wsSession) dispose() {
	session.mutex.Lock()
	subs := session.subscriptions
	session.subscriptions = make(map[string]*eventbus.Subscription)
	session.mutex.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// WsBindingServer exposes Things over WebSocket JSON-RPC. Each Thing has a
// single endpoint at /{thing-url-name}.
type WsBindingServer struct {
	port     int
	formPort int

	// TLSConfig enables wss when set
	TLSConfig *tls.Config

	// ActionTimeout bounds an action invocation
	ActionTimeout time.Duration

	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader

	things   map[string]*exposedthing.ExposedThing
	security map[string]map[string]interface{}

	invocations *protocols.InvocationRegistry

	mutex   sync.Mutex
	running bool
}

// CreateWsBindingServer creates the binding server on the given port.
// formPort is the port written into generated forms; pass 0 to use port.
func CreateWsBindingServer(port int, formPort int) *WsBindingServer {
	if formPort == 0 {
		formPort = port
	}
	return &WsBindingServer{
		port:          port,
		formPort:      formPort,
		ActionTimeout: protocols.DefaultInvocationTTL,
		upgrader:      websocket.Upgrader{CheckOrigin: func(req *http.Request) bool { return true }},
		things:        make(map[string]*exposedthing.ExposedThing),
		security:      make(map[string]map[string]interface{}),
	}
}

// Protocol returns the binding identifier
func (server *WsBindingServer) Protocol() string { return vocab.ProtocolWebsockets }

// Port the server listens on
func (server *WsBindingServer) Port() int { return server.port }

// FormPort is the port used in generated form hrefs
func (server *WsBindingServer) FormPort() int { return server.formPort }

// SetThingCredentials installs the server-side secrets used to verify
// inbound connections for the given Thing.
func (server *WsBindingServer) SetThingCredentials(thingID string, credentials map[string]interface{}) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.security[thingID] = credentials
}

// AddExposedThing starts accepting connections for the Thing
func (server *WsBindingServer) AddExposedThing(eThing *exposedthing.ExposedThing) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.things[eThing.TD.ID] = eThing
}

// RemoveExposedThing stops accepting connections for the Thing
func (server *WsBindingServer) RemoveExposedThing(thingID string) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	delete(server.things, thingID)
}

func (server *WsBindingServer) getThing(urlName string) *exposedthing.ExposedThing {
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
func (server *WsBindingServer) Start() error {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	if server.running {
		return nil
	}
	logrus.Infof("Starting WebSocket binding server on port %d", server.port)

	server.router = mux.NewRouter()
	server.router.HandleFunc("/{thing}", server.handleConnect)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", server.port))
	if err != nil {
		return fmt.Errorf("WebSocket binding can't listen on port %d: %w", server.port, err)
	}
	server.invocations = protocols.NewInvocationRegistry(server.ActionTimeout)
	server.httpServer = &http.Server{
		Handler:   server.router,
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
			logrus.Errorf("WebSocket binding server stopped: %s", serveErr)
		}
	}()
	server.running = true
	return nil
}

// Stop the server and close all connections. Idempotent.
func (server *WsBindingServer) Stop() error {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	if !server.running {
		return nil
	}
	logrus.Infof("Stopping WebSocket binding server on port %d", server.port)
	server.invocations.Stop()
	err := server.httpServer.Close()
	server.running = false
	return err
}

// authenticate verifies the upgrade request against the active security
// schemes of the Thing. Any passing scheme accepts.
func (server *WsBindingServer) authenticate(
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
	logrus.Infof("Unauthenticated connection for thing '%s' from %s", eThing.TD.ID, req.RemoteAddr)
	if first != nil {
		first.WriteChallenge(resp)
	} else {
		http.Error(resp, "unauthorized", http.StatusUnauthorized)
	}
	return false
}

// handleConnect upgrades the connection and runs the message loop until the
// socket closes.
func (server *WsBindingServer) handleConnect(resp http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	eThing := server.getThing(vars["thing"])
	if eThing == nil {
		http.NotFound(resp, req)
		return
	}
	if !server.authenticate(eThing, resp, req) {
		return
	}
	conn, err := server.upgrader.Upgrade(resp, req, nil)
	if err != nil {
		logrus.Warningf("WebSocket upgrade for thing '%s' failed: %s", eThing.TD.ID, err)
		return
	}
	session := &wsSession{
		conn:          conn,
		subscriptions: make(map[string]*eventbus.Subscription),
	}
	defer session.dispose()
	defer conn.Close()

	for {
		var request rpcMessage
		if err = conn.ReadJSON(&request); err != nil {
			return
		}
		server.handleRequest(session, eThing, &request)
	}
}

func (server *WsBindingServer) handleRequest(
	session *wsSession, eThing *exposedthing.ExposedThing, request *rpcMessage) {

	var result interface{}
	var err error
	switch request.Method {
	case "readProperty":
		result, err = server.readProperty(eThing, request.Params)
	case "writeProperty":
		result, err = server.writeProperty(eThing, request.Params)
	case "invokeAction":
		result, err = server.invokeAction(eThing, request.Params)
	case "observeProperty":
		result, err = server.observe(session, eThing, request.Params, vocab.InteractionTypeProperty)
	case "subscribeEvent":
		result, err = server.observe(session, eThing, request.Params, vocab.InteractionTypeEvent)
	case "unsubscribe":
		result, err = server.unsubscribe(session, request.Params)
	default:
		server.reply(session, request.ID, nil,
			&rpcError{Code: codeMethodNotFound, Message: "unknown method '" + request.Method + "'"})
		return
	}
	if err != nil {
		server.reply(session, request.ID, nil, &rpcError{Code: codeServerError, Message: err.Error()})
		return
	}
	server.reply(session, request.ID, result, nil)
}

func (server *WsBindingServer) reply(session *wsSession, id interface{}, result interface{}, rpcErr *rpcError) {
	encoded, _ := json.Marshal(result)
	msg := &rpcMessage{JSONRPC: "2.0", ID: id, Result: encoded, Error: rpcErr}
	if rpcErr != nil {
		msg.Result = nil
	}
	if err := session.send(msg); err != nil {
		logrus.Warningf("can't write reply: %s", err)
	}
}

// interactionParams with the parameters shared by all verb requests
type interactionParams struct {
	Name         string          `json:"name,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Subscription string          `json:"subscription,omitempty"`
}

func parseParams(raw json.RawMessage) (*interactionParams, error) {
	var params interactionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	return &params, nil
}

func (server *WsBindingServer) readProperty(
	eThing *exposedthing.ExposedThing, raw json.RawMessage) (interface{}, error) {

	params, err := parseParams(raw)
	if err != nil {
		return nil, err
	}
	value, err := eThing.ReadProperty(params.Name)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"value": value.Value}, nil
}

func (server *WsBindingServer) writeProperty(
	eThing *exposedthing.ExposedThing, raw json.RawMessage) (interface{}, error) {

	params, err := parseParams(raw)
	if err != nil {
		return nil, err
	}
	if err = eThing.HandleWriteProperty(params.Name, params.Value); err != nil {
		return nil, err
	}
	return true, nil
}

func (server *WsBindingServer) invokeAction(
	eThing *exposedthing.ExposedThing, raw json.RawMessage) (interface{}, error) {

	params, err := parseParams(raw)
	if err != nil {
		return nil, err
	}
	inv := server.invocations.Add(eThing.TD.ID, params.Name)
	go func() {
		result, invokeErr := eThing.HandleInvokeAction(params.Name, params.Input)
		inv.Finish(result, invokeErr)
	}()
	select {
	case <-inv.Done:
	case <-time.After(server.ActionTimeout):
		server.invocations.Remove(inv.ID)
		return nil, protocols.TimeoutError("action '%s' invocation timed out", params.Name)
	}
	server.invocations.Remove(inv.ID)
	if inv.Err != nil {
		return nil, inv.Err
	}
	return map[string]interface{}{"result": inv.Result}, nil
}

// observe creates the server-held subscription that pushes notifications on
// this session's socket.
func (server *WsBindingServer) observe(session *wsSession,
	eThing *exposedthing.ExposedThing, raw json.RawMessage, interactionType string) (interface{}, error) {

	params, err := parseParams(raw)
	if err != nil {
		return nil, err
	}
	name := params.Name
	if eThing.TD.InteractionTypeOf(name) != interactionType {
		return nil, fmt.Errorf("'%s' is not a known %s of thing '%s'", name, interactionType, eThing.TD.ID)
	}
	subscriptionID := uuid.New().String()

	var filter eventbus.EventFilter
	var notifyType string
	var valueKey string
	if interactionType == vocab.InteractionTypeProperty {
		filter = eventbus.FilterPropertyChange(name)
		notifyType = "propertychange"
		valueKey = "value"
	} else {
		filter = func(ev eventbus.EmittedEvent) bool {
			return ev.EventType == eventbus.EventTypeCustom && ev.Name == name
		}
		notifyType = "event"
		valueKey = "data"
	}
	sub := eThing.Events().SubscribeFiltered(filter, eventbus.Observer{
		Next: func(ev eventbus.EmittedEvent) {
			params, _ := json.Marshal(map[string]interface{}{
				"subscription": subscriptionID,
				"type":         notifyType,
				"name":         ev.Name,
				valueKey:       ev.Value,
			})
			notification := &rpcMessage{JSONRPC: "2.0", Method: "notify", Params: params}
			if sendErr := session.send(notification); sendErr != nil {
				logrus.Warningf("can't push notification for '%s': %s", ev.Name, sendErr)
			}
		},
	})
	session.addSubscription(subscriptionID, sub)
	return map[string]interface{}{"subscription": subscriptionID}, nil
}

func (server *WsBindingServer) unsubscribe(session *wsSession, raw json.RawMessage) (interface{}, error) {
	params, err := parseParams(raw)
	if err != nil {
		return nil, err
	}
	sub := session.removeSubscription(params.Subscription)
	if sub == nil {
		return nil, fmt.Errorf("unknown subscription '%s'", params.Subscription)
	}
	sub.Unsubscribe()
	return true, nil
}

// BuildForms returns this server's auto-generated forms for the interaction.
// All verbs share the Thing's single endpoint.
func (server *WsBindingServer) BuildForms(hostname string, td *thing.ThingTD, name string) []thing.Form {
	href := server.BuildBaseURL(hostname, td)
	var ops thing.StringList

	if prop := td.GetProperty(name); prop != nil {
		ops = thing.StringList{vocab.OpReadProperty}
		if !prop.ReadOnly {
			ops = append(ops, vocab.OpWriteProperty)
		}
		if prop.Observable {
			ops = append(ops, vocab.OpObserveProperty, vocab.OpUnobserveProperty)
		}
	} else if td.GetAction(name) != nil {
		ops = thing.StringList{vocab.OpInvokeAction}
	} else if td.GetEvent(name) != nil {
		ops = thing.StringList{vocab.OpSubscribeEvent, vocab.OpUnsubscribeEvent}
	} else {
		return nil
	}
	return []thing.Form{{
		Href:        href,
		ContentType: vocab.MediaTypeJSON,
		Op:          ops,
		Subprotocol: "jsonrpc",
		Protocol:    server.Protocol(),
	}}
}

// BuildBaseURL returns the endpoint URL of the Thing on this server
func (server *WsBindingServer) BuildBaseURL(hostname string, td *thing.ThingTD) string {
	scheme := vocab.SchemeWS
	if server.TLSConfig != nil {
		scheme = vocab.SchemeWSS
	}
	return fmt.Sprintf("%s://%s:%d/%s", scheme, hostname, server.formPort, td.UrlName())
}
