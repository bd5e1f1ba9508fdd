// Package coapbinding with the CoAP protocol binding server and client.
// One resource per verb class: /property, /action and /event, parameterised
// with ?thing=<thing-url>&name=<name-url>. GET reads or, with the observe
// option, subscribes; PUT writes; POST invokes. Action results are collected
// from the invocation status resource until done.
package coapbinding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	coapmessage "github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	coapmux "github.com/plgd-dev/go-coap/v2/mux"
	coapnet "github.com/plgd-dev/go-coap/v2/net"
	"github.com/plgd-dev/go-coap/v2/udp"
	"github.com/sirupsen/logrus"

	"github.com/wostzone/servient-go/pkg/auth"
	"github.com/wostzone/servient-go/pkg/eventbus"
	"github.com/wostzone/servient-go/pkg/exposedthing"
	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

// coapObserver is one registered observe relation. Notifications carry an
// incrementing sequence number as required by the observe extension.
type coapObserver struct {
	client   coapmux.Client
	token    []byte
	sequence uint32
	busSub   *eventbus.Subscription
}

// CoapBindingServer exposes Things over CoAP
type CoapBindingServer struct {
	port     int
	formPort int

	// ActionTimeout bounds how long a finished invocation status is retained
	ActionTimeout time.Duration

	server   *udp.Server
	listener *coapnet.UDPConn

	things      map[string]*exposedthing.ExposedThing
	invocations *protocols.InvocationRegistry

	// security holds the per-thing server side secrets by thing ID
	security map[string]map[string]interface{}

	// observers by thing/type/name/token key
	observers map[string]*coapObserver

	mutex   sync.Mutex
	running bool
}

// CreateCoapBindingServer creates the binding server on the given UDP port.
// formPort is the port written into generated forms; pass 0 to use port.
func CreateCoapBindingServer(port int, formPort int) *CoapBindingServer {
	if formPort == 0 {
		formPort = port
	}
	return &CoapBindingServer{
		port:          port,
		formPort:      formPort,
		ActionTimeout: protocols.DefaultInvocationTTL,
		things:        make(map[string]*exposedthing.ExposedThing),
		security:      make(map[string]map[string]interface{}),
		observers:     make(map[string]*coapObserver),
	}
}

// Protocol returns the binding identifier
func (server *CoapBindingServer) Protocol() string { return vocab.ProtocolCoAP }

// Port the server listens on
func (server *CoapBindingServer) Port() int { return server.port }

// FormPort is the port used in generated form hrefs
func (server *CoapBindingServer) FormPort() int { return server.formPort }

// AddExposedThing starts serving requests for the Thing
func (server *CoapBindingServer) AddExposedThing(eThing *exposedthing.ExposedThing) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.things[eThing.TD.ID] = eThing
}

// RemoveExposedThing stops serving requests for the Thing
func (server *CoapBindingServer) RemoveExposedThing(thingID string) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	delete(server.things, thingID)
	delete(server.security, thingID)
}

// SetThingCredentials stores the server side secrets used to verify
// requests for the Thing, eg username/password for the basic scheme.
func (server *CoapBindingServer) SetThingCredentials(thingID string, credentials map[string]interface{}) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.security[thingID] = credentials
}

// authenticate verifies the request against the active security schemes of
// the Thing. Any passing scheme accepts the request; on failure an
// unauthorized response is written and the handler must not proceed.
func (server *CoapBindingServer) authenticate(
	eThing *exposedthing.ExposedThing, w coapmux.ResponseWriter, msg *coapmux.Message) bool {

	server.mutex.Lock()
	credentials := server.security[eThing.TD.ID]
	server.mutex.Unlock()

	req := syntheticRequest(msg)
	for _, schemeName := range eThing.TD.Security {
		scheme := eThing.TD.SecurityDefinitions[schemeName]
		if scheme == nil {
			continue
		}
		authenticator := auth.BuildAuthenticator(scheme, credentials)
		if err := authenticator.Authenticate(req); err == nil {
			return true
		}
	}
	logrus.Infof("Unauthenticated %s request for thing '%s'", msg.Code, eThing.TD.ID)
	sendEmpty(w, codes.Unauthorized)
	return false
}

func (server *CoapBindingServer) getThing(urlName string) *exposedthing.ExposedThing {
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
func (server *CoapBindingServer) Start() error {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	if server.running {
		return nil
	}
	logrus.Infof("Starting CoAP binding server on port %d", server.port)

	router := coapmux.NewRouter()
	_ = router.Handle("/property", coapmux.HandlerFunc(server.handleProperty))
	_ = router.Handle("/action", coapmux.HandlerFunc(server.handleAction))
	_ = router.Handle("/event", coapmux.HandlerFunc(server.handleEvent))

	listener, err := coapnet.NewListenUDP("udp", fmt.Sprintf(":%d", server.port))
	if err != nil {
		return fmt.Errorf("CoAP binding can't listen on port %d: %w", server.port, err)
	}
	server.listener = listener
	server.invocations = protocols.NewInvocationRegistry(server.ActionTimeout)
	server.server = udp.NewServer(udp.WithMux(router))
	go func() {
		if serveErr := server.server.Serve(listener); serveErr != nil {
			logrus.Debugf("CoAP binding server stopped: %s", serveErr)
		}
	}()
	server.running = true
	return nil
}

// Stop the server. Idempotent.
func (server *CoapBindingServer) Stop() error {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	if !server.running {
		return nil
	}
	logrus.Infof("Stopping CoAP binding server on port %d", server.port)
	for key, observer := range server.observers {
		observer.busSub.Unsubscribe()
		delete(server.observers, key)
	}
	server.invocations.Stop()
	server.server.Stop()
	_ = server.listener.Close()
	server.running = false
	return nil
}

// readBody drains the request body, nil bodies read as empty
func readBody(msg *coapmux.Message) ([]byte, error) {
	if msg.Body == nil {
		return nil, nil
	}
	return io.ReadAll(msg.Body)
}

// requestQuery extracts the thing, name and id query parameters
func requestQuery(msg *coapmux.Message) (thingURL string, nameURL string, id string) {
	queries, err := msg.Options.Queries()
	if err != nil {
		return "", "", ""
	}
	for _, query := range queries {
		parts := strings.SplitN(query, "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "thing":
			thingURL = parts[1]
		case "name":
			nameURL = parts[1]
		case "id":
			id = parts[1]
		}
	}
	return thingURL, nameURL, id
}

// resolve maps the query parameters to the exposed thing and TD interaction name
func (server *CoapBindingServer) resolve(
	msg *coapmux.Message, interactionType string) (*exposedthing.ExposedThing, string) {

	thingURL, nameURL, _ := requestQuery(msg)
	eThing := server.getThing(thingURL)
	if eThing == nil {
		return nil, ""
	}
	for _, name := range eThing.TD.InteractionNames() {
		if thing.UrlName(name) == nameURL && eThing.TD.InteractionTypeOf(name) == interactionType {
			return eThing, name
		}
	}
	return nil, ""
}

func sendEmpty(w coapmux.ResponseWriter, code codes.Code) {
	if err := w.SetResponse(code, coapmessage.TextPlain, nil); err != nil {
		logrus.Warningf("can't write response: %s", err)
	}
}

func sendJSON(w coapmux.ResponseWriter, code codes.Code, value interface{}) {
	payload, err := json.Marshal(value)
	if err != nil {
		sendEmpty(w, codes.InternalServerError)
		return
	}
	if err = w.SetResponse(code, coapmessage.AppJSON, bytes.NewReader(payload)); err != nil {
		logrus.Warningf("can't write response: %s", err)
	}
}

// notifyObserver pushes one observe notification to a registered observer
func notifyObserver(observer *coapObserver, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m := coapmessage.Message{
		Code:    codes.Content,
		Token:   observer.token,
		Context: observer.client.Context(),
		Body:    bytes.NewReader(payload),
	}
	var opts coapmessage.Options
	var buf []byte
	opts, n, err := opts.SetContentFormat(buf, coapmessage.AppJSON)
	if err == coapmessage.ErrTooSmall {
		buf = append(buf, make([]byte, n)...)
		opts, n, err = opts.SetContentFormat(buf, coapmessage.AppJSON)
	}
	if err != nil {
		return err
	}
	observer.sequence++
	opts, n, err = opts.SetObserve(buf[len(buf):], observer.sequence)
	if err == coapmessage.ErrTooSmall {
		buf = append(buf, make([]byte, n)...)
		opts, _, err = opts.SetObserve(buf[len(buf):], observer.sequence)
	}
	if err != nil {
		return err
	}
	m.Options = opts
	return observer.client.WriteMessage(&m)
}

// addObserver registers an observe relation pushing matching bus events
func (server *CoapBindingServer) addObserver(w coapmux.ResponseWriter, msg *coapmux.Message,
	eThing *exposedthing.ExposedThing, filter eventbus.EventFilter,
	convert func(ev eventbus.EmittedEvent) interface{}) {

	observer := &coapObserver{
		client: w.Client(),
		token:  msg.Token,
	}
	key := fmt.Sprintf("%s/%x", eThing.TD.ID, msg.Token)
	observer.busSub = eThing.Events().SubscribeFiltered(filter, eventbus.Observer{
		Next: func(ev eventbus.EmittedEvent) {
			if err := notifyObserver(observer, convert(ev)); err != nil {
				logrus.Debugf("dropping observer %s: %s", key, err)
				observer.busSub.Unsubscribe()
				server.mutex.Lock()
				delete(server.observers, key)
				server.mutex.Unlock()
			}
		},
	})
	server.mutex.Lock()
	server.observers[key] = observer
	server.mutex.Unlock()
}

// removeObserver cancels the observe relation of the request token
func (server *CoapBindingServer) removeObserver(eThing *exposedthing.ExposedThing, msg *coapmux.Message) {
	key := fmt.Sprintf("%s/%x", eThing.TD.ID, msg.Token)
	server.mutex.Lock()
	observer := server.observers[key]
	delete(server.observers, key)
	server.mutex.Unlock()
	if observer != nil {
		observer.busSub.Unsubscribe()
	}
}

func (server *CoapBindingServer) handleProperty(w coapmux.ResponseWriter, msg *coapmux.Message) {
	eThing, name := server.resolve(msg, vocab.InteractionTypeProperty)
	if eThing == nil {
		sendEmpty(w, codes.NotFound)
		return
	}
	if !server.authenticate(eThing, w, msg) {
		return
	}
	switch msg.Code {
	case codes.GET:
		observe, observeErr := msg.Options.Observe()
		if observeErr == nil && observe == 0 {
			server.addObserver(w, msg, eThing, eventbus.FilterPropertyChange(name),
				func(ev eventbus.EmittedEvent) interface{} {
					return map[string]interface{}{"value": ev.Value}
				})
		} else if observeErr == nil && observe == 1 {
			server.removeObserver(eThing, msg)
		}
		value, err := eThing.ReadProperty(name)
		if err != nil {
			sendJSON(w, codes.Content, map[string]interface{}{"value": nil})
			return
		}
		sendJSON(w, codes.Content, map[string]interface{}{"value": value.Value})

	case codes.PUT:
		body, err := readBody(msg)
		if err != nil {
			sendEmpty(w, codes.BadRequest)
			return
		}
		value := extractValue(body)
		if err = eThing.HandleWriteProperty(name, value); err != nil {
			sendJSON(w, codes.BadRequest, map[string]string{"error": err.Error()})
			return
		}
		sendEmpty(w, codes.Changed)

	default:
		sendEmpty(w, codes.MethodNotAllowed)
	}
}

// extractValue unwraps a {"value": v} envelope, raw values pass through
func extractValue(body []byte) []byte {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err == nil {
		if wrapped, found := envelope["value"]; found {
			return wrapped
		}
	}
	return body
}

func (server *CoapBindingServer) handleAction(w coapmux.ResponseWriter, msg *coapmux.Message) {
	eThing, name := server.resolve(msg, vocab.InteractionTypeAction)
	if eThing == nil {
		sendEmpty(w, codes.NotFound)
		return
	}
	if !server.authenticate(eThing, w, msg) {
		return
	}
	switch msg.Code {
	case codes.POST:
		body, err := readBody(msg)
		if err != nil {
			sendEmpty(w, codes.BadRequest)
			return
		}
		var request struct {
			Input json.RawMessage `json:"input"`
		}
		if len(body) > 0 {
			if err = json.Unmarshal(body, &request); err != nil {
				sendEmpty(w, codes.BadRequest)
				return
			}
		}
		inv := server.invocations.Add(eThing.TD.ID, name)
		go func() {
			result, invokeErr := eThing.HandleInvokeAction(name, request.Input)
			inv.Finish(result, invokeErr)
		}()
		sendJSON(w, codes.Created, map[string]string{"id": inv.ID})

	case codes.GET:
		// invocation status lookup by correlation id
		_, _, id := requestQuery(msg)
		inv := server.invocations.Get(id)
		if inv == nil {
			sendEmpty(w, codes.NotFound)
			return
		}
		status := map[string]interface{}{"id": inv.ID, "done": inv.IsDone()}
		if inv.IsDone() {
			if inv.Err != nil {
				status["error"] = inv.Err.Error()
			} else {
				status["result"] = inv.Result
			}
		}
		sendJSON(w, codes.Content, status)

	default:
		sendEmpty(w, codes.MethodNotAllowed)
	}
}

func (server *CoapBindingServer) handleEvent(w coapmux.ResponseWriter, msg *coapmux.Message) {
	eThing, name := server.resolve(msg, vocab.InteractionTypeEvent)
	if eThing == nil {
		sendEmpty(w, codes.NotFound)
		return
	}
	if !server.authenticate(eThing, w, msg) {
		return
	}
	if msg.Code != codes.GET {
		sendEmpty(w, codes.MethodNotAllowed)
		return
	}
	observe, observeErr := msg.Options.Observe()
	if observeErr == nil && observe == 0 {
		filter := func(ev eventbus.EmittedEvent) bool {
			return ev.EventType == eventbus.EventTypeCustom && ev.Name == name
		}
		server.addObserver(w, msg, eThing, filter,
			func(ev eventbus.EmittedEvent) interface{} {
				return map[string]interface{}{
					"name":      ev.Name,
					"payload":   ev.Value,
					"timestamp": ev.Timestamp,
				}
			})
	} else if observeErr == nil && observe == 1 {
		server.removeObserver(eThing, msg)
	}
	sendEmpty(w, codes.Content)
}

// BuildForms returns this server's auto-generated forms for the interaction
func (server *CoapBindingServer) BuildForms(hostname string, td *thing.ThingTD, name string) []thing.Form {
	urlName := thing.UrlName(name)
	query := fmt.Sprintf("thing=%s&name=%s", td.UrlName(), urlName)
	base := fmt.Sprintf("%s://%s:%d", vocab.SchemeCoAP, hostname, server.formPort)
	var forms []thing.Form

	if prop := td.GetProperty(name); prop != nil {
		ops := thing.StringList{vocab.OpReadProperty}
		if !prop.ReadOnly {
			ops = append(ops, vocab.OpWriteProperty)
		}
		if prop.Observable {
			ops = append(ops, vocab.OpObserveProperty)
		}
		forms = append(forms, thing.Form{
			Href:        fmt.Sprintf("%s/property?%s", base, query),
			ContentType: vocab.MediaTypeJSON,
			Op:          ops,
			Protocol:    server.Protocol(),
		})
	} else if td.GetAction(name) != nil {
		forms = append(forms, thing.Form{
			Href:        fmt.Sprintf("%s/action?%s", base, query),
			ContentType: vocab.MediaTypeJSON,
			Op:          thing.StringList{vocab.OpInvokeAction},
			Protocol:    server.Protocol(),
		})
	} else if td.GetEvent(name) != nil {
		forms = append(forms, thing.Form{
			Href:        fmt.Sprintf("%s/event?%s", base, query),
			ContentType: vocab.MediaTypeJSON,
			Op:          thing.StringList{vocab.OpSubscribeEvent, vocab.OpUnsubscribeEvent},
			Protocol:    server.Protocol(),
		})
	}
	return forms
}

// BuildBaseURL returns the base URL of this server
func (server *CoapBindingServer) BuildBaseURL(hostname string, td *thing.ThingTD) string {
	return fmt.Sprintf("%s://%s:%d", vocab.SchemeCoAP, hostname, server.formPort)
}
