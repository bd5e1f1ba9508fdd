package thing

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"github.com/wostzone/servient-go/pkg/vocab"
)

// Form describes a transport endpoint, operation verbs and content type by
// which an interaction can be accessed.
type Form struct {
	// Href with the absolute or base-relative URL of the endpoint
	Href string `json:"href"`
	// ContentType of request and response bodies. Default is application/json
	ContentType string `json:"contentType,omitempty"`
	// Op with the interaction verbs this form supports, eg vocab.OpReadProperty
	Op StringList `json:"op,omitempty"`
	// Subprotocol such as "longpoll"
	Subprotocol string `json:"subprotocol,omitempty"`
	// Security selector overriding the Thing level security, by scheme name
	Security []string `json:"security,omitempty"`
	// Response with the expected response content type
	Response map[string]interface{} `json:"response,omitempty"`
	// AdditionalResponses with possible error responses
	AdditionalResponses []map[string]interface{} `json:"additionalResponses,omitempty"`

	// Protocol of the binding server that generated this form. Empty for
	// forms declared in the TD document itself. Not serialized.
	Protocol string `json:"-"`
}

// ID returns the stable identity of the form, used to de-duplicate
// auto-generated forms. Two forms with the same href, op set and content type
// are the same form.
func (form *Form) ID() string {
	ops := make([]string, len(form.Op))
	copy(ops, form.Op)
	sort.Strings(ops)
	hash := sha1.Sum([]byte(form.Href + "|" + strings.Join(ops, ",") + "|" + form.GetContentType()))
	return hex.EncodeToString(hash[:])
}

// GetContentType returns the form content type, applying the default
func (form *Form) GetContentType() string {
	if form.ContentType == "" {
		return vocab.MediaTypeJSON
	}
	return form.ContentType
}

// HasOp returns true if the form op list includes the given interaction verb
func (form *Form) HasOp(op string) bool {
	return form.Op.Contains(op)
}

// Scheme returns the URI scheme of the form href. When the href is relative
// the scheme of the given base URL is returned instead.
func (form *Form) Scheme(base string) string {
	parsed, err := url.Parse(form.Href)
	if err == nil && parsed.Scheme != "" {
		return parsed.Scheme
	}
	if base == "" {
		return ""
	}
	parsedBase, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return parsedBase.Scheme
}

// Resolve returns the absolute URL of the form href, resolving relative
// hrefs against the given base URL.
func (form *Form) Resolve(base string) string {
	parsed, err := url.Parse(form.Href)
	if err != nil {
		return form.Href
	}
	if parsed.IsAbs() || base == "" {
		return form.Href
	}
	parsedBase, err := url.Parse(base)
	if err != nil {
		return form.Href
	}
	return parsedBase.ResolveReference(parsed).String()
}
