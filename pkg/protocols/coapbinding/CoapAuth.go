package coapbinding

import (
	"net/http"
	"net/url"
	"strings"

	coapmessage "github.com/plgd-dev/go-coap/v2/message"
	coapmux "github.com/plgd-dev/go-coap/v2/mux"
)

// AuthOptionID is the CoAP option carrying the authorization header of a
// request. The number is in the experimental-use range and must match on
// both ends of the binding.
const AuthOptionID coapmessage.OptionID = 2048

// syntheticRequest maps a CoAP request onto an HTTP request so the shared
// authenticator variants can verify it. The authorization option becomes
// the authorization header; the URI queries become the URL query.
func syntheticRequest(msg *coapmux.Message) *http.Request {
	req := &http.Request{Header: make(http.Header), URL: &url.URL{}}
	if header, err := msg.Options.GetBytes(AuthOptionID); err == nil && len(header) > 0 {
		req.Header.Set("Authorization", string(header))
	}
	if queries, err := msg.Options.Queries(); err == nil {
		req.URL.RawQuery = strings.Join(queries, "&")
	}
	return req
}
