package httpbinding

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/wostzone/servient-go/pkg/auth"
	"github.com/wostzone/servient-go/pkg/eventbus"
	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

// HttpBindingClient consumes Things over HTTP. Observation streams use
// long-polling: the poll is re-issued until the observation is stopped.
type HttpBindingClient struct {
	httpClient *http.Client

	// credential signs outbound requests, nil without security
	credential auth.Credential
}

// CreateHttpBindingClient creates an HTTP binding client.
// caConfig is the optional TLS configuration for https endpoints.
func CreateHttpBindingClient(caConfig *tls.Config) *HttpBindingClient {
	transport := &http.Transport{TLSClientConfig: caConfig}
	return &HttpBindingClient{
		httpClient: &http.Client{Transport: transport},
	}
}

// Protocol returns the binding identifier
func (client *HttpBindingClient) Protocol() string { return vocab.ProtocolHTTP }

// IsSupportedInteraction returns true when the interaction has an http(s) form
func (client *HttpBindingClient) IsSupportedInteraction(td *thing.ThingTD, name string) bool {
	return protocols.HasFormWithScheme(td, name, vocab.SchemeHTTPS, vocab.SchemeHTTP)
}

// SetSecurity installs the credential matching the first supported scheme
func (client *HttpBindingClient) SetSecurity(
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

// Stop releases idle connections
func (client *HttpBindingClient) Stop() {
	client.httpClient.CloseIdleConnections()
}

// ReadProperty reads a property value with a GET on its form href
func (client *HttpBindingClient) ReadProperty(
	ctx context.Context, td *thing.ThingTD, name string) (*thing.InteractionOutput, error) {

	form := protocols.FindForm(td, name, vocab.OpReadProperty, vocab.SchemeHTTPS, vocab.SchemeHTTP)
	if form == nil {
		return nil, protocols.NotSupportedError("no http form to read property '%s'", name)
	}
	reply, err := client.request(ctx, http.MethodGet, form.Resolve(td.Base), nil)
	if err != nil {
		return nil, err
	}
	value, found := reply["value"]
	if !found {
		return nil, protocols.ProtocolError("reply for property '%s' carries no value", name)
	}
	var schema *thing.DataSchema
	if prop := td.GetProperty(name); prop != nil {
		schema = &prop.DataSchema
	}
	return thing.NewInteractionOutput(value, schema), nil
}

// WriteProperty writes a property value with a PUT on its form href
func (client *HttpBindingClient) WriteProperty(
	ctx context.Context, td *thing.ThingTD, name string, value interface{}) error {

	form := protocols.FindForm(td, name, vocab.OpWriteProperty, vocab.SchemeHTTPS, vocab.SchemeHTTP)
	if form == nil {
		return protocols.NotSupportedError("no http form to write property '%s'", name)
	}
	_, err := client.request(ctx, http.MethodPut, form.Resolve(td.Base),
		map[string]interface{}{"value": value})
	return err
}

// InvokeAction invokes an action with a POST on its form href.
// An error reported by the Thing is surfaced as a handler failure.
func (client *HttpBindingClient) InvokeAction(
	ctx context.Context, td *thing.ThingTD, name string, input interface{}) (*thing.InteractionOutput, error) {

	form := protocols.FindForm(td, name, vocab.OpInvokeAction, vocab.SchemeHTTPS, vocab.SchemeHTTP)
	if form == nil {
		return nil, protocols.NotSupportedError("no http form to invoke action '%s'", name)
	}
	reply, err := client.request(ctx, http.MethodPost, form.Resolve(td.Base),
		map[string]interface{}{"input": input})
	if err != nil {
		return nil, err
	}
	if errMsg, found := reply["error"]; found && errMsg != nil {
		return nil, fmt.Errorf("%w: %v", protocols.ErrHandler, errMsg)
	}
	var schema *thing.DataSchema
	if action := td.GetAction(name); action != nil {
		schema = action.Output
	}
	return thing.NewInteractionOutput(reply["result"], schema), nil
}

// ObserveProperty opens a long-poll observation stream of property values
func (client *HttpBindingClient) ObserveProperty(td *thing.ThingTD, name string) (*protocols.Observation, error) {
	form := protocols.FindForm(td, name, vocab.OpObserveProperty, vocab.SchemeHTTPS, vocab.SchemeHTTP)
	if form == nil {
		return nil, protocols.NotSupportedError("no http form to observe property '%s'", name)
	}
	return client.poll(form.Resolve(td.Base), func(reply map[string]interface{}) eventbus.EmittedEvent {
		return eventbus.NewPropertyChangeEvent(name, reply["value"])
	})
}

// SubscribeEvent opens a long-poll subscription stream of event payloads
func (client *HttpBindingClient) SubscribeEvent(td *thing.ThingTD, name string) (*protocols.Observation, error) {
	form := protocols.FindForm(td, name, vocab.OpSubscribeEvent, vocab.SchemeHTTPS, vocab.SchemeHTTP)
	if form == nil {
		return nil, protocols.NotSupportedError("no http form to subscribe to event '%s'", name)
	}
	return client.poll(form.Resolve(td.Base), func(reply map[string]interface{}) eventbus.EmittedEvent {
		return eventbus.NewCustomEvent(name, reply["payload"])
	})
}

// poll re-issues the long-poll GET until the observation is stopped,
// converting each non-empty reply into an event on the subject.
func (client *HttpBindingClient) poll(
	href string, convert func(reply map[string]interface{}) eventbus.EmittedEvent) (*protocols.Observation, error) {

	subject := eventbus.NewSubject()
	ctx, cancel := context.WithCancel(context.Background())
	observation := protocols.NewObservation(subject, cancel)

	go func() {
		for {
			reply, err := client.request(ctx, http.MethodGet, href, nil)
			if ctx.Err() != nil {
				subject.Complete()
				return
			}
			if err != nil {
				logrus.Warningf("long-poll on %s failed: %s", href, err)
				subject.Error(err)
				return
			}
			if reply == nil {
				// empty poll, re-issue
				continue
			}
			subject.Next(convert(reply))
		}
	}()
	return observation, nil
}

// request performs one signed HTTP exchange with a JSON body and reply.
// A nil reply with a nil error means the response had no content.
func (client *HttpBindingClient) request(
	ctx context.Context, method string, href string, body interface{}) (map[string]interface{}, error) {

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, href, reader)
	if err != nil {
		return nil, protocols.ProtocolError("building request for %s: %s", href, err)
	}
	req.Header.Set("Content-Type", vocab.MediaTypeJSON)
	if client.credential != nil {
		if err = client.credential.Sign(req); err != nil {
			return nil, err
		}
	}
	resp, err := client.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, protocols.TimeoutError("%s %s", method, href)
		}
		return nil, protocols.ProtocolError("%s %s: %s", method, href, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, protocols.UnauthorizedError("%s %s returned status %d", method, href, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, protocols.ProtocolError("%s %s returned status %d", method, href, resp.StatusCode)
	}
	var reply map[string]interface{}
	if err = json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, protocols.ProtocolError("invalid reply from %s: %s", href, err)
	}
	return reply, nil
}
