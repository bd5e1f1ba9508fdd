package wsbinding

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/wostzone/servient-go/pkg/auth"
	"github.com/wostzone/servient-go/pkg/eventbus"
	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

// wsClientConnection is one socket to a Thing endpoint. Requests are
// correlated to responses by id; notifications are routed to the subject of
// their subscription.
type wsClientConnection struct {
	conn       *websocket.Conn
	writeMutex sync.Mutex

	mutex   sync.Mutex
	nextID  int
	pending map[int]chan *rpcMessage
	// subjects by subscription id
	subjects map[string]*eventbus.Subject
	closed   bool
}

// notifyParams as pushed by the server for an active subscription
type notifyParams struct {
	Subscription string      `json:"subscription"`
	Type         string      `json:"type"`
	Name         string      `json:"name"`
	Value        interface{} `json:"value"`
	Data         interface{} `json:"data"`
}

// call issues one request and awaits its response or the context deadline
func (wsc *wsClientConnection) call(
	ctx context.Context, method string, params interface{}) (*rpcMessage, error) {

	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	wsc.mutex.Lock()
	if wsc.closed {
		wsc.mutex.Unlock()
		return nil, protocols.ProtocolError("connection is closed")
	}
	wsc.nextID++
	id := wsc.nextID
	replyChan := make(chan *rpcMessage, 1)
	wsc.pending[id] = replyChan
	wsc.mutex.Unlock()

	request := &rpcMessage{JSONRPC: "2.0", ID: id, Method: method, Params: encoded}
	wsc.writeMutex.Lock()
	err = wsc.conn.WriteJSON(request)
	wsc.writeMutex.Unlock()
	if err != nil {
		wsc.forgetPending(id)
		return nil, protocols.ProtocolError("can't send '%s' request: %s", method, err)
	}
	select {
	case reply, ok := <-replyChan:
		if !ok {
			return nil, protocols.ProtocolError("connection closed awaiting '%s' reply", method)
		}
		if reply.Error != nil {
			return nil, protocols.HandlerError(fmt.Errorf("%s", reply.Error.Message))
		}
		return reply, nil
	case <-ctx.Done():
		wsc.forgetPending(id)
		return nil, protocols.TimeoutError("no reply to '%s' request", method)
	}
}

func (wsc *wsClientConnection) forgetPending(id int) {
	wsc.mutex.Lock()
	defer wsc.mutex.Unlock()
	delete(wsc.pending, id)
}

// readLoop routes responses to their waiting caller and notifications to
// their subscription subject. On a read error everything is failed.
func (wsc *wsClientConnection) readLoop() {
	for {
		var msg rpcMessage
		if err := wsc.conn.ReadJSON(&msg); err != nil {
			wsc.fail(err)
			return
		}
		if msg.Method == "notify" {
			var params notifyParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				logrus.Warningf("malformed notification: %s", err)
				continue
			}
			wsc.mutex.Lock()
			subject := wsc.subjects[params.Subscription]
			wsc.mutex.Unlock()
			if subject == nil {
				continue
			}
			if params.Type == "propertychange" {
				subject.Next(eventbus.NewPropertyChangeEvent(params.Name, params.Value))
			} else {
				subject.Next(eventbus.NewCustomEvent(params.Name, params.Data))
			}
			continue
		}
		// response: correlate on the numeric id
		id := 0
		switch typedID := msg.ID.(type) {
		case float64:
			id = int(typedID)
		case int:
			id = typedID
		}
		wsc.mutex.Lock()
		replyChan := wsc.pending[id]
		delete(wsc.pending, id)
		wsc.mutex.Unlock()
		if replyChan != nil {
			replyChan <- &msg
		}
	}
}

// fail closes the connection state, failing pending calls and erroring the
// subscription subjects so observers can re-subscribe.
func (wsc *wsClientConnection) fail(err error) {
	wsc.mutex.Lock()
	if wsc.closed {
		wsc.mutex.Unlock()
		return
	}
	wsc.closed = true
	pending := wsc.pending
	wsc.pending = make(map[int]chan *rpcMessage)
	subjects := wsc.subjects
	wsc.subjects = make(map[string]*eventbus.Subject)
	wsc.mutex.Unlock()

	_ = wsc.conn.Close()
	for _, replyChan := range pending {
		close(replyChan)
	}
	for _, subject := range subjects {
		subject.Error(err)
	}
}

func (wsc *wsClientConnection) addSubject(subscriptionID string, subject *eventbus.Subject) {
	wsc.mutex.Lock()
	defer wsc.mutex.Unlock()
	wsc.subjects[subscriptionID] = subject
}

func (wsc *wsClientConnection) removeSubject(subscriptionID string) {
	wsc.mutex.Lock()
	defer wsc.mutex.Unlock()
	delete(wsc.subjects, subscriptionID)
}

// WsBindingClient consumes Things over WebSocket JSON-RPC. One connection is
// held per Thing endpoint and shared by all verbs and subscriptions.
type WsBindingClient struct {
	dialer *websocket.Dialer

	// credential signs the upgrade request, nil without security
	credential auth.Credential

	mutex       sync.Mutex
	connections map[string]*wsClientConnection
}

// CreateWsBindingClient creates a WebSocket binding client.
// caConfig is the optional TLS configuration for wss endpoints.
func CreateWsBindingClient(caConfig *tls.Config) *WsBindingClient {
	return &WsBindingClient{
		dialer:      &websocket.Dialer{TLSClientConfig: caConfig},
		connections: make(map[string]*wsClientConnection),
	}
}

// Protocol returns the binding identifier
func (client *WsBindingClient) Protocol() string { return vocab.ProtocolWebsockets }

// IsSupportedInteraction returns true when the interaction has a ws(s) form
func (client *WsBindingClient) IsSupportedInteraction(td *thing.ThingTD, name string) bool {
	return protocols.HasFormWithScheme(td, name, vocab.SchemeWSS, vocab.SchemeWS)
}

// SetSecurity installs the credential matching the first supported scheme
func (client *WsBindingClient) SetSecurity(
	definitions map[string]*thing.SecurityScheme, credentials map[string]interface{}) bool {

	for _, scheme := range definitions {
		credential, err := auth.BuildCredential(scheme, credentials)
		if err == nil {
			client.credential = credential
			return true
		}
	}
	return false
}

// Stop closes all connections
func (client *WsBindingClient) Stop() {
	client.mutex.Lock()
	connections := client.connections
	client.connections = make(map[string]*wsClientConnection)
	client.mutex.Unlock()
	for _, wsc := range connections {
		wsc.fail(protocols.ErrState)
	}
}

// connect returns the shared connection to the endpoint, dialing when needed
func (client *WsBindingClient) connect(href string) (*wsClientConnection, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	if wsc, found := client.connections[href]; found && !wsc.closed {
		return wsc, nil
	}
	header := http.Header{}
	if client.credential != nil {
		// sign a throwaway request and carry its headers into the upgrade
		signReq, _ := http.NewRequest(http.MethodGet, "http://"+hrefHostPath(href), nil)
		if signReq != nil {
			if err := client.credential.Sign(signReq); err != nil {
				return nil, err
			}
			header = signReq.Header
		}
	}
	conn, _, err := client.dialer.Dial(href, header)
	if err != nil {
		return nil, protocols.ProtocolError("can't connect to %s: %s", href, err)
	}
	wsc := &wsClientConnection{
		conn:     conn,
		pending:  make(map[int]chan *rpcMessage),
		subjects: make(map[string]*eventbus.Subject),
	}
	client.connections[href] = wsc
	go wsc.readLoop()
	return wsc, nil
}

// hrefHostPath strips the ws/wss scheme prefix
func hrefHostPath(href string) string {
	for _, prefix := range []string{"wss://", "ws://"} {
		if len(href) > len(prefix) && href[:len(prefix)] == prefix {
			return href[len(prefix):]
		}
	}
	return href
}

// findEndpoint returns the Thing's endpoint href for the given op
func (client *WsBindingClient) findEndpoint(td *thing.ThingTD, name string, op string) (string, error) {
	form := protocols.FindForm(td, name, op, vocab.SchemeWSS, vocab.SchemeWS)
	if form == nil {
		return "", protocols.NotSupportedError("no websocket form for '%s' on '%s'", op, name)
	}
	return form.Resolve(td.Base), nil
}

// ReadProperty requests the property value over the socket
func (client *WsBindingClient) ReadProperty(
	ctx context.Context, td *thing.ThingTD, name string) (*thing.InteractionOutput, error) {

	href, err := client.findEndpoint(td, name, vocab.OpReadProperty)
	if err != nil {
		return nil, err
	}
	wsc, err := client.connect(href)
	if err != nil {
		return nil, err
	}
	reply, err := wsc.call(ctx, "readProperty", map[string]interface{}{"name": name})
	if err != nil {
		return nil, err
	}
	var result struct {
		Value interface{} `json:"value"`
	}
	if err = json.Unmarshal(reply.Result, &result); err != nil {
		return nil, protocols.ProtocolError("invalid readProperty result: %s", err)
	}
	var schema *thing.DataSchema
	if prop := td.GetProperty(name); prop != nil {
		schema = &prop.DataSchema
	}
	return thing.NewInteractionOutput(result.Value, schema), nil
}

// WriteProperty sends the property value over the socket
func (client *WsBindingClient) WriteProperty(
	ctx context.Context, td *thing.ThingTD, name string, value interface{}) error {

	href, err := client.findEndpoint(td, name, vocab.OpWriteProperty)
	if err != nil {
		return err
	}
	wsc, err := client.connect(href)
	if err != nil {
		return err
	}
	_, err = wsc.call(ctx, "writeProperty", map[string]interface{}{"name": name, "value": value})
	return err
}

// InvokeAction invokes the action over the socket
func (client *WsBindingClient) InvokeAction(
	ctx context.Context, td *thing.ThingTD, name string, input interface{}) (*thing.InteractionOutput, error) {

	href, err := client.findEndpoint(td, name, vocab.OpInvokeAction)
	if err != nil {
		return nil, err
	}
	wsc, err := client.connect(href)
	if err != nil {
		return nil, err
	}
	reply, err := wsc.call(ctx, "invokeAction", map[string]interface{}{"name": name, "input": input})
	if err != nil {
		return nil, err
	}
	var result struct {
		Result interface{} `json:"result"`
	}
	if err = json.Unmarshal(reply.Result, &result); err != nil {
		return nil, protocols.ProtocolError("invalid invokeAction result: %s", err)
	}
	var schema *thing.DataSchema
	if action := td.GetAction(name); action != nil {
		schema = action.Output
	}
	return thing.NewInteractionOutput(result.Result, schema), nil
}

// ObserveProperty opens a notification stream of property values
func (client *WsBindingClient) ObserveProperty(td *thing.ThingTD, name string) (*protocols.Observation, error) {
	return client.subscribe(td, name, vocab.OpObserveProperty, "observeProperty")
}

// SubscribeEvent opens a notification stream of event payloads
func (client *WsBindingClient) SubscribeEvent(td *thing.ThingTD, name string) (*protocols.Observation, error) {
	return client.subscribe(td, name, vocab.OpSubscribeEvent, "subscribeEvent")
}

func (client *WsBindingClient) subscribe(
	td *thing.ThingTD, name string, op string, method string) (*protocols.Observation, error) {

	href, err := client.findEndpoint(td, name, op)
	if err != nil {
		return nil, err
	}
	wsc, err := client.connect(href)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), protocols.DefaultSubscribeTimeout)
	defer cancel()
	reply, err := wsc.call(ctx, method, map[string]interface{}{"name": name})
	if err != nil {
		return nil, err
	}
	var result struct {
		Subscription string `json:"subscription"`
	}
	if err = json.Unmarshal(reply.Result, &result); err != nil || result.Subscription == "" {
		return nil, protocols.ProtocolError("invalid %s result", method)
	}
	subject := eventbus.NewSubject()
	wsc.addSubject(result.Subscription, subject)

	observation := protocols.NewObservation(subject, func() {
		wsc.removeSubject(result.Subscription)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), protocols.DefaultSubscribeTimeout)
		defer stopCancel()
		if _, stopErr := wsc.call(stopCtx, "unsubscribe",
			map[string]interface{}{"subscription": result.Subscription}); stopErr != nil {
			logrus.Warningf("unsubscribe of '%s' failed: %s", name, stopErr)
		}
		subject.Complete()
	})
	return observation, nil
}
