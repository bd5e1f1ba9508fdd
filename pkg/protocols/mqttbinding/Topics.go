package mqttbinding

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

// Topic scheme of the binding. The servient id prefixes every topic so
// multiple servients can share one broker.
//
//	<servient-id>/property/<thing-url>/<name-url>            property value stream
//	<servient-id>/property/<thing-url>/<name-url>/write      write requests
//	<servient-id>/property/<thing-url>/<name-url>/write/ack  write acknowledgements
//	<servient-id>/property/<thing-url>/<name-url>/read       read requests
//	<servient-id>/action/<thing-url>/<name-url>              invocation requests
//	<servient-id>/action/<thing-url>/<name-url>/result       invocation results
//	<servient-id>/event/<thing-url>/<name-url>               event emissions

// QoS levels per verb
const (
	QosPropertyPublish = byte(0)
	QosEventPublish    = byte(0)
	QosRequestPublish  = byte(2)
	QosReplySubscribe  = byte(1)
)

func interactionTopic(servientID string, interactionType string, td *thing.ThingTD, name string) string {
	return fmt.Sprintf("%s/%s/%s/%s", servientID, interactionType, td.UrlName(), thing.UrlName(name))
}

// PropertyTopic returns the property value stream topic
func PropertyTopic(servientID string, td *thing.ThingTD, name string) string {
	return interactionTopic(servientID, vocab.InteractionTypeProperty, td, name)
}

// PropertyWriteTopic returns the property write request topic
func PropertyWriteTopic(servientID string, td *thing.ThingTD, name string) string {
	return PropertyTopic(servientID, td, name) + "/write"
}

// PropertyWriteAckTopic returns the write acknowledgement topic
func PropertyWriteAckTopic(servientID string, td *thing.ThingTD, name string) string {
	return PropertyTopic(servientID, td, name) + "/write/ack"
}

// PropertyReadTopic returns the property read request topic
func PropertyReadTopic(servientID string, td *thing.ThingTD, name string) string {
	return PropertyTopic(servientID, td, name) + "/read"
}

// ActionTopic returns the action invocation request topic
func ActionTopic(servientID string, td *thing.ThingTD, name string) string {
	return interactionTopic(servientID, vocab.InteractionTypeAction, td, name)
}

// ActionResultTopic returns the invocation result topic
func ActionResultTopic(servientID string, td *thing.ThingTD, name string) string {
	return ActionTopic(servientID, td, name) + "/result"
}

// EventTopic returns the event emission topic
func EventTopic(servientID string, td *thing.ThingTD, name string) string {
	return interactionTopic(servientID, vocab.InteractionTypeEvent, td, name)
}

// SplitFormHref splits an mqtt(s) form href into the broker URL to connect
// to and the topic to use. The href path carries the topic.
func SplitFormHref(href string) (brokerURL string, topic string, err error) {
	parsed, err := url.Parse(href)
	if err != nil {
		return "", "", fmt.Errorf("invalid mqtt href '%s': %w", href, err)
	}
	scheme := "tcp"
	if parsed.Scheme == vocab.SchemeMQTTS {
		scheme = "ssl"
	}
	brokerURL = fmt.Sprintf("%s://%s", scheme, parsed.Host)
	if parsed.User != nil {
		brokerURL = fmt.Sprintf("%s://%s@%s", scheme, parsed.User.String(), parsed.Host)
	}
	topic = strings.TrimPrefix(parsed.Path, "/")
	if topic == "" {
		return "", "", fmt.Errorf("mqtt href '%s' carries no topic", href)
	}
	return brokerURL, topic, nil
}
