package config

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wostzone/servient-go/pkg/certsclient"
	"github.com/wostzone/servient-go/pkg/persistence"
	"github.com/wostzone/servient-go/pkg/protocols/coapbinding"
	"github.com/wostzone/servient-go/pkg/protocols/httpbinding"
	"github.com/wostzone/servient-go/pkg/protocols/mqttbinding"
	"github.com/wostzone/servient-go/pkg/protocols/wsbinding"
	"github.com/wostzone/servient-go/pkg/servient"
	"github.com/wostzone/servient-go/pkg/thing"
)

// tdFetchTimeout bounds fetching a remote TD at startup
const tdFetchTimeout = 10 * time.Second

// BuildServient constructs a servient from this configuration: the enabled
// binding servers and their clients, the persistence writer, the stored
// credentials and the remote Things to consume. The servient is returned in
// the configurable state; the caller adds its Things and starts it.
func (config *ServientConfig) BuildServient() (*servient.Servient, error) {
	sv := servient.CreateServient(config.Name, config.Hostname, config.CataloguePort)
	sv.Announce = config.Announce

	var serverTLS *tls.Config
	var err error
	if config.TLS.ServerCertFile != "" {
		serverTLS, err = certsclient.ServerTLSConfig(config.TLS.ServerCertFile, config.TLS.ServerKeyFile)
		if err != nil {
			return nil, err
		}
	}
	var clientTLS *tls.Config
	if config.TLS.CaCertFile != "" {
		clientTLS, err = certsclient.ClientTLSConfig(config.TLS.CaCertFile)
		if err != nil {
			return nil, err
		}
	}

	if config.Http.Enabled {
		server := httpbinding.CreateHttpBindingServer(config.Http.Port, config.Http.FormPort)
		server.TLSConfig = serverTLS
		_ = sv.AddServer(server)
		_ = sv.AddClient(httpbinding.CreateHttpBindingClient(clientTLS))
	}
	if config.Websockets.Enabled {
		server := wsbinding.CreateWsBindingServer(config.Websockets.Port, config.Websockets.FormPort)
		server.TLSConfig = serverTLS
		_ = sv.AddServer(server)
		_ = sv.AddClient(wsbinding.CreateWsBindingClient(clientTLS))
	}
	if config.Coap.Enabled {
		_ = sv.AddServer(coapbinding.CreateCoapBindingServer(config.Coap.Port, config.Coap.FormPort))
		_ = sv.AddClient(coapbinding.CreateCoapBindingClient())
	}
	if config.Mqtt.Enabled {
		pool := mqttbinding.NewMqttConnectionPool()
		pool.TLSConfig = clientTLS
		_ = sv.AddServer(mqttbinding.CreateMqttBindingServer(config.Mqtt.Broker, config.Name, pool))
		_ = sv.AddClient(mqttbinding.CreateMqttBindingClient(pool))
	}

	if config.Database.Enabled {
		switch config.Database.Type {
		case "memory":
			_ = sv.SetWriter(persistence.NewMemoryWriter())
		default:
			logrus.Warningf("BuildServient: unknown database type '%s', using the NOP writer",
				config.Database.Type)
		}
	}

	for title, credentials := range config.Credentials {
		asInterface := make(map[string]interface{}, len(credentials))
		for key, value := range credentials {
			asInterface[key] = value
		}
		sv.AddCredentials(title, asInterface)
	}

	for _, remote := range config.RemoteThings {
		td, loadErr := loadRemoteTD(remote, clientTLS)
		if loadErr != nil {
			logrus.Warningf("BuildServient: can't load the TD of remote thing '%s': %s",
				remote.Title, loadErr)
			continue
		}
		sv.Consume(td)
	}
	return sv, nil
}

// loadRemoteTD reads the TD of a configured remote Thing from its file or URL
func loadRemoteTD(remote RemoteThingConfig, clientTLS *tls.Config) (*thing.ThingTD, error) {
	var doc []byte
	var err error
	if remote.TDFile != "" {
		doc, err = os.ReadFile(remote.TDFile)
	} else {
		httpClient := &http.Client{Timeout: tdFetchTimeout}
		if clientTLS != nil {
			httpClient.Transport = &http.Transport{TLSClientConfig: clientTLS}
		}
		var resp *http.Response
		resp, err = httpClient.Get(remote.TDURL)
		if err == nil {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("fetching '%s' returned status %d", remote.TDURL, resp.StatusCode)
			}
			doc, err = io.ReadAll(resp.Body)
		}
	}
	if err != nil {
		return nil, err
	}
	return thing.ParseTD(doc)
}
