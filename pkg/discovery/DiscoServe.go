// Package discovery announces the servient catalogue on the local network
package discovery

import (
	"fmt"
	"net"
	"os"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

// CatalogueServiceName is the DNS-SD service name of a TD catalogue.
// It is published as _wot._tcp in the local domain.
const CatalogueServiceName = "wot"

// DiscoServe publishes a service instance for DNS-SD discovery.
//
//  instanceID is the unique ID of the service instance, eg the servient name
//  serviceName is the discovery name, published as _<serviceName>._tcp
//  address is the IP address or resolvable hostname the service listens on
//  port is the service listening port
//  params is a map of key-value pairs included in the TXT record
//
// Returns the discovery server. Call its Shutdown() when done.
func DiscoServe(instanceID string, serviceName string,
	address string, port int, params map[string]string) (*zeroconf.Server, error) {

	logrus.Infof("DiscoServe instance=%s, name=%s, address=%s:%d",
		instanceID, serviceName, address, port)
	if serviceName == "" {
		return nil, fmt.Errorf("DiscoServe: empty serviceName")
	}

	// only the local domain is supported
	domain := "local."
	hostname, _ := os.Hostname()

	// if the given address isn't an IP address, try to resolve it instead
	ips := []string{address}
	if net.ParseIP(address) == nil {
		hostname = address
		actualIP, err := net.LookupIP(address)
		if err != nil {
			logrus.Errorf("DiscoServe: address '%s' is not an IP and can't be resolved: %s", address, err)
			return nil, err
		}
		ips = []string{actualIP[0].String()}
	}

	textRecord := make([]string, 0, len(params))
	for k, v := range params {
		textRecord = append(textRecord, fmt.Sprintf("%s=%s", k, v))
	}
	serviceType := fmt.Sprintf("_%s._tcp", serviceName)
	// nil interfaces announce on all multicast capable interfaces
	server, err := zeroconf.RegisterProxy(
		instanceID, serviceType, domain, port, hostname, ips, textRecord, nil)
	if err != nil {
		logrus.Errorf("DiscoServe: failed to start the zeroconf server: %s", err)
	}
	return server, err
}

// AnnounceCatalogue publishes the TD catalogue of a servient. The TXT record
// carries the catalogue path so consumers can fetch the index directly.
func AnnounceCatalogue(servientName string, address string, cataloguePort int) (*zeroconf.Server, error) {
	params := map[string]string{"path": "/"}
	return DiscoServe(servientName, CatalogueServiceName, address, cataloguePort, params)
}
