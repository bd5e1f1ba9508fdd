package coapbinding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	coapmessage "github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/plgd-dev/go-coap/v2/udp"
	coapclient "github.com/plgd-dev/go-coap/v2/udp/client"
	"github.com/plgd-dev/go-coap/v2/udp/message/pool"
	"github.com/sirupsen/logrus"

	"github.com/wostzone/servient-go/pkg/auth"
	"github.com/wostzone/servient-go/pkg/eventbus"
	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

// ActionPollInterval between invocation status polls
const ActionPollInterval = 250 * time.Millisecond

// DefaultActionWait bounds an invocation without a context deadline
const DefaultActionWait = 10 * time.Second

// coapEndpoint is a parsed form href
type coapEndpoint struct {
	hostPort string
	path     string
	queries  []string
}

func parseEndpoint(href string) (*coapEndpoint, error) {
	parsed, err := url.Parse(href)
	if err != nil {
		return nil, protocols.ProtocolError("invalid coap href '%s': %s", href, err)
	}
	endpoint := &coapEndpoint{
		hostPort: parsed.Host,
		path:     parsed.Path,
	}
	for key, values := range parsed.Query() {
		for _, value := range values {
			endpoint.queries = append(endpoint.queries, key+"="+value)
		}
	}
	return endpoint, nil
}

// options returns the URI query options of the endpoint plus extras
func (endpoint *coapEndpoint) options(extra ...string) []coapmessage.Option {
	var opts []coapmessage.Option
	for _, query := range append(endpoint.queries, extra...) {
		opts = append(opts, coapmessage.Option{ID: coapmessage.URIQuery, Value: []byte(query)})
	}
	return opts
}

// CoapBindingClient consumes Things over CoAP. One UDP connection is held
// per server endpoint and shared by all requests and observations.
type CoapBindingClient struct {
	mutex       sync.Mutex
	connections map[string]*coapclient.ClientConn

	// credential signs outbound requests, nil without security
	credential auth.Credential
}

// CreateCoapBindingClient creates a CoAP binding client
func CreateCoapBindingClient() *CoapBindingClient {
	return &CoapBindingClient{
		connections: make(map[string]*coapclient.ClientConn),
	}
}

// Protocol returns the binding identifier
func (client *CoapBindingClient) Protocol() string { return vocab.ProtocolCoAP }

// IsSupportedInteraction returns true when the interaction has a coap(s) form
func (client *CoapBindingClient) IsSupportedInteraction(td *thing.ThingTD, name string) bool {
	return protocols.HasFormWithScheme(td, name, vocab.SchemeCoAPS, vocab.SchemeCoAP)
}

// SetSecurity installs the credential matching the first supported scheme.
// The credential material travels in the authorization option of each
// request. OSCORE is not supported by the transport library; schemes
// requiring it are reported unsupported.
func (client *CoapBindingClient) SetSecurity(
	definitions map[string]*thing.SecurityScheme, credentials map[string]interface{}) bool {

	for _, scheme := range definitions {
		credential, err := auth.BuildCredential(scheme, credentials)
		if err == nil {
			client.mutex.Lock()
			client.credential = credential
			client.mutex.Unlock()
			return true
		}
	}
	return false
}

// authOptions returns the options carrying the installed credential. The
// credential signs a synthetic HTTP request; the resulting authorization
// header is carried in the AuthOptionID option and query parameters in
// URI query options.
func (client *CoapBindingClient) authOptions() []coapmessage.Option {
	client.mutex.Lock()
	credential := client.credential
	client.mutex.Unlock()
	if credential == nil {
		return nil
	}
	req := &http.Request{Header: make(http.Header), URL: &url.URL{}}
	if err := credential.Sign(req); err != nil {
		logrus.Warningf("can't sign coap request: %s", err)
		return nil
	}
	var opts []coapmessage.Option
	if header := req.Header.Get("Authorization"); header != "" {
		opts = append(opts, coapmessage.Option{ID: AuthOptionID, Value: []byte(header)})
	}
	for _, query := range strings.Split(req.URL.RawQuery, "&") {
		if query != "" {
			opts = append(opts, coapmessage.Option{ID: coapmessage.URIQuery, Value: []byte(query)})
		}
	}
	return opts
}

// requestOptions merges the endpoint's URI queries with the credential options
func (client *CoapBindingClient) requestOptions(endpoint *coapEndpoint, extra ...string) []coapmessage.Option {
	return append(endpoint.options(extra...), client.authOptions()...)
}

// Stop closes all connections
func (client *CoapBindingClient) Stop() {
	client.mutex.Lock()
	connections := client.connections
	client.connections = make(map[string]*coapclient.ClientConn)
	client.mutex.Unlock()
	for _, conn := range connections {
		_ = conn.Close()
	}
}

// connect returns the shared connection to the endpoint, dialing when needed
func (client *CoapBindingClient) connect(hostPort string) (*coapclient.ClientConn, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	if conn, found := client.connections[hostPort]; found {
		return conn, nil
	}
	conn, err := udp.Dial(hostPort)
	if err != nil {
		return nil, protocols.ProtocolError("can't connect to %s: %s", hostPort, err)
	}
	client.connections[hostPort] = conn
	return conn, nil
}

func (client *CoapBindingClient) endpointFor(td *thing.ThingTD, name string, op string) (*coapEndpoint, error) {
	form := protocols.FindForm(td, name, op, vocab.SchemeCoAPS, vocab.SchemeCoAP)
	if form == nil {
		return nil, protocols.NotSupportedError("no coap form for '%s' on '%s'", op, name)
	}
	return parseEndpoint(form.Resolve(td.Base))
}

// decodeJSON parses a response body into a generic map
func decodeJSON(resp *pool.Message) (map[string]interface{}, error) {
	body, err := resp.ReadBody()
	if err != nil {
		return nil, protocols.ProtocolError("can't read response body: %s", err)
	}
	if len(body) == 0 {
		return nil, nil
	}
	var reply map[string]interface{}
	if err = json.Unmarshal(body, &reply); err != nil {
		return nil, protocols.ProtocolError("invalid response payload: %s", err)
	}
	return reply, nil
}

// checkCode maps an unsuccessful response code to a binding error
func checkCode(code codes.Code) error {
	switch {
	case code >= codes.Created && code < codes.BadRequest:
		return nil
	case code == codes.Unauthorized || code == codes.Forbidden:
		return protocols.UnauthorizedError("request rejected with %s", code)
	default:
		return protocols.ProtocolError("request failed with %s", code)
	}
}

// ReadProperty reads a property value with a GET on the property resource
func (client *CoapBindingClient) ReadProperty(
	ctx context.Context, td *thing.ThingTD, name string) (*thing.InteractionOutput, error) {

	endpoint, err := client.endpointFor(td, name, vocab.OpReadProperty)
	if err != nil {
		return nil, err
	}
	conn, err := client.connect(endpoint.hostPort)
	if err != nil {
		return nil, err
	}
	resp, err := conn.Get(ctx, endpoint.path, client.requestOptions(endpoint)...)
	if err != nil {
		return nil, protocols.ProtocolError("reading '%s' failed: %s", name, err)
	}
	if err = checkCode(resp.Code()); err != nil {
		return nil, err
	}
	reply, err := decodeJSON(resp)
	if err != nil {
		return nil, err
	}
	var schema *thing.DataSchema
	if prop := td.GetProperty(name); prop != nil {
		schema = &prop.DataSchema
	}
	return thing.NewInteractionOutput(reply["value"], schema), nil
}

// WriteProperty writes a property value with a PUT on the property resource
func (client *CoapBindingClient) WriteProperty(
	ctx context.Context, td *thing.ThingTD, name string, value interface{}) error {

	endpoint, err := client.endpointFor(td, name, vocab.OpWriteProperty)
	if err != nil {
		return err
	}
	conn, err := client.connect(endpoint.hostPort)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]interface{}{"value": value})
	if err != nil {
		return err
	}
	resp, err := conn.Put(ctx, endpoint.path, coapmessage.AppJSON,
		bytes.NewReader(payload), client.requestOptions(endpoint)...)
	if err != nil {
		return protocols.ProtocolError("writing '%s' failed: %s", name, err)
	}
	return checkCode(resp.Code())
}

// InvokeAction creates an invocation with a POST and polls its status until
// done or until the context deadline.
func (client *CoapBindingClient) InvokeAction(
	ctx context.Context, td *thing.ThingTD, name string, input interface{}) (*thing.InteractionOutput, error) {

	endpoint, err := client.endpointFor(td, name, vocab.OpInvokeAction)
	if err != nil {
		return nil, err
	}
	conn, err := client.connect(endpoint.hostPort)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(map[string]interface{}{"input": input})
	if err != nil {
		return nil, err
	}
	resp, err := conn.Post(ctx, endpoint.path, coapmessage.AppJSON,
		bytes.NewReader(payload), client.requestOptions(endpoint)...)
	if err != nil {
		return nil, protocols.ProtocolError("invoking '%s' failed: %s", name, err)
	}
	if err = checkCode(resp.Code()); err != nil {
		return nil, err
	}
	created, err := decodeJSON(resp)
	if err != nil {
		return nil, err
	}
	id, _ := created["id"].(string)
	if id == "" {
		return nil, protocols.ProtocolError("invocation of '%s' returned no id", name)
	}

	deadline := time.Now().Add(DefaultActionWait)
	if ctxDeadline, ok := ctx.Deadline(); ok {
		deadline = ctxDeadline
	}
	for {
		status, err := client.pollStatus(ctx, conn, endpoint, id)
		if err != nil {
			return nil, err
		}
		if done, _ := status["done"].(bool); done {
			if errMsg, found := status["error"]; found && errMsg != nil {
				return nil, fmt.Errorf("%w: %v", protocols.ErrHandler, errMsg)
			}
			var schema *thing.DataSchema
			if action := td.GetAction(name); action != nil {
				schema = action.Output
			}
			return thing.NewInteractionOutput(status["result"], schema), nil
		}
		if time.Now().After(deadline) {
			return nil, protocols.TimeoutError("no result for action '%s'", name)
		}
		select {
		case <-ctx.Done():
			return nil, protocols.TimeoutError("no result for action '%s'", name)
		case <-time.After(ActionPollInterval):
		}
	}
}

func (client *CoapBindingClient) pollStatus(ctx context.Context,
	conn *coapclient.ClientConn, endpoint *coapEndpoint, id string) (map[string]interface{}, error) {

	resp, err := conn.Get(ctx, endpoint.path, client.requestOptions(endpoint, "id="+id)...)
	if err != nil {
		return nil, protocols.ProtocolError("status poll failed: %s", err)
	}
	if err = checkCode(resp.Code()); err != nil {
		return nil, err
	}
	return decodeJSON(resp)
}

// ObserveProperty opens an observe relation on the property resource
func (client *CoapBindingClient) ObserveProperty(td *thing.ThingTD, name string) (*protocols.Observation, error) {
	return client.observe(td, name, vocab.OpObserveProperty,
		func(subject *eventbus.Subject, reply map[string]interface{}) {
			subject.Next(eventbus.NewPropertyChangeEvent(name, reply["value"]))
		})
}

// SubscribeEvent opens an observe relation on the event resource
func (client *CoapBindingClient) SubscribeEvent(td *thing.ThingTD, name string) (*protocols.Observation, error) {
	return client.observe(td, name, vocab.OpSubscribeEvent,
		func(subject *eventbus.Subject, reply map[string]interface{}) {
			subject.Next(eventbus.NewCustomEvent(name, reply["payload"]))
		})
}

func (client *CoapBindingClient) observe(td *thing.ThingTD, name string, op string,
	deliver func(subject *eventbus.Subject, reply map[string]interface{})) (*protocols.Observation, error) {

	endpoint, err := client.endpointFor(td, name, op)
	if err != nil {
		return nil, err
	}
	conn, err := client.connect(endpoint.hostPort)
	if err != nil {
		return nil, err
	}
	subject := eventbus.NewSubject()
	relation, err := conn.Observe(context.Background(), endpoint.path,
		func(notification *pool.Message) {
			reply, decodeErr := decodeJSON(notification)
			if decodeErr != nil || reply == nil {
				return
			}
			deliver(subject, reply)
		}, client.requestOptions(endpoint)...)
	if err != nil {
		return nil, protocols.ProtocolError("observing '%s' failed: %s", name, err)
	}
	observation := protocols.NewObservation(subject, func() {
		cancelCtx, cancel := context.WithTimeout(context.Background(), protocols.DefaultSubscribeTimeout)
		defer cancel()
		if cancelErr := relation.Cancel(cancelCtx); cancelErr != nil {
			logrus.Warningf("cancelling observation of '%s': %s", name, cancelErr)
		}
		subject.Complete()
	})
	return observation, nil
}
