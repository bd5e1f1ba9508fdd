// Package servient with the runtime that binds protocol servers, protocol
// clients, exposed Things and the TD catalogue together.
//
// A servient moves through three lifecycle states. While configurable the
// topology of servers, clients and Things can be edited freely. While running
// the topology is frozen except for enabling and disabling already added
// Things. Shutdown returns the servient to the configurable state.
package servient

import (
	"sort"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"github.com/wostzone/servient-go/pkg/consumedthing"
	"github.com/wostzone/servient-go/pkg/discovery"
	"github.com/wostzone/servient-go/pkg/exposedthing"
	"github.com/wostzone/servient-go/pkg/persistence"
	"github.com/wostzone/servient-go/pkg/protocols"
	"github.com/wostzone/servient-go/pkg/thing"
)

// credentialReceiver is implemented by binding servers that verify inbound
// requests against per-Thing secrets.
type credentialReceiver interface {
	SetThingCredentials(thingID string, credentials map[string]interface{})
}

// Servient hosts exposed Things on its binding servers and consumes remote
// Things through its binding clients. One instance per process is typical
// but nothing prevents several.
type Servient struct {
	// Name of the servient, used in logging and the MQTT topic prefix
	Name string
	// Hostname written into auto-generated form hrefs
	Hostname string
	// Announce the catalogue on the local network with DNS-SD
	Announce bool

	// servers and clients by protocol identifier
	servers map[string]protocols.ProtocolServer
	clients map[string]protocols.ProtocolClient

	// exposed things by thing ID
	exposed map[string]*exposedthing.ExposedThing

	// credentials by Thing title
	credentials map[string]map[string]interface{}

	// writer recording property interactions of exposed things
	writer persistence.Writer

	factory   *consumedthing.ConsumedThingFactory
	catalogue *CatalogueServer
	announcer *zeroconf.Server

	mutex   sync.Mutex
	running bool
}

// CreateServient creates a servient without servers or clients.
//  name of the servient
//  hostname to use in generated form hrefs, eg the FQDN of this host
//  cataloguePort of the TD catalogue, 0 to disable the catalogue
func CreateServient(name string, hostname string, cataloguePort int) *Servient {
	servient := &Servient{
		Name:        name,
		Hostname:    hostname,
		servers:     make(map[string]protocols.ProtocolServer),
		clients:     make(map[string]protocols.ProtocolClient),
		exposed:     make(map[string]*exposedthing.ExposedThing),
		credentials: make(map[string]map[string]interface{}),
		writer:      persistence.NewNopWriter(),
	}
	servient.factory = consumedthing.CreateConsumedThingFactory(servient)
	if cataloguePort != 0 {
		servient.catalogue = CreateCatalogueServer(servient, cataloguePort)
	}
	return servient
}

// AddServer registers a binding server. One server per protocol; a second
// server for the same protocol replaces the first.
// Fails while the servient is running.
func (servient *Servient) AddServer(server protocols.ProtocolServer) error {
	servient.mutex.Lock()
	defer servient.mutex.Unlock()
	if servient.running {
		return protocols.StateError("can't add a '%s' server to a running servient", server.Protocol())
	}
	servient.servers[server.Protocol()] = server
	return nil
}

// AddClient registers a binding client.
// Fails while the servient is running.
func (servient *Servient) AddClient(client protocols.ProtocolClient) error {
	servient.mutex.Lock()
	defer servient.mutex.Unlock()
	if servient.running {
		return protocols.StateError("can't add a '%s' client to a running servient", client.Protocol())
	}
	servient.clients[client.Protocol()] = client
	return nil
}

// GetServer returns the registered server for the protocol, or nil
func (servient *Servient) GetServer(protocol string) protocols.ProtocolServer {
	servient.mutex.Lock()
	defer servient.mutex.Unlock()
	return servient.servers[protocol]
}

// GetClient returns the registered client for the protocol, or nil
func (servient *Servient) GetClient(protocol string) protocols.ProtocolClient {
	servient.mutex.Lock()
	defer servient.mutex.Unlock()
	return servient.clients[protocol]
}

// SetWriter installs the persistence writer recording the property
// interactions of exposed Things. Fails while the servient is running.
func (servient *Servient) SetWriter(writer persistence.Writer) error {
	servient.mutex.Lock()
	defer servient.mutex.Unlock()
	if servient.running {
		return protocols.StateError("can't change the writer of a running servient")
	}
	if writer == nil {
		writer = persistence.NewNopWriter()
	}
	servient.writer = writer
	return nil
}

// AddExposedThing adds a Thing to host. The Thing starts disabled; call
// EnableExposedThing to serve it. Fails while the servient is running.
func (servient *Servient) AddExposedThing(eThing *exposedthing.ExposedThing) error {
	servient.mutex.Lock()
	defer servient.mutex.Unlock()
	if servient.running {
		return protocols.StateError("can't add thing '%s' to a running servient", eThing.TD.ID)
	}
	logrus.Infof("Servient '%s': adding exposed thing '%s'", servient.Name, eThing.TD.ID)
	servient.exposed[eThing.TD.ID] = eThing
	return nil
}

// GetExposedThing returns the hosted Thing whose title or URL name matches,
// or nil when the servient does not host it.
func (servient *Servient) GetExposedThing(name string) *exposedthing.ExposedThing {
	servient.mutex.Lock()
	defer servient.mutex.Unlock()
	return servient.getExposedThing(name)
}

// getExposedThing resolves a Thing by title, URL name or ID. Callers hold
// the mutex.
func (servient *Servient) getExposedThing(name string) *exposedthing.ExposedThing {
	if eThing, found := servient.exposed[name]; found {
		return eThing
	}
	for _, eThing := range servient.exposed {
		if eThing.TD.Title == name || eThing.TD.UrlName() == name {
			return eThing
		}
	}
	return nil
}

// EnableExposedThing starts serving a previously added Thing: the Thing is
// added to every server, its auto-generated forms are rebuilt and catalogue
// requests include it. Allowed while running.
func (servient *Servient) EnableExposedThing(name string) error {
	servient.mutex.Lock()
	defer servient.mutex.Unlock()
	eThing := servient.getExposedThing(name)
	if eThing == nil {
		return protocols.NotSupportedError("thing '%s' is not hosted by this servient", name)
	}
	logrus.Infof("Servient '%s': enabling thing '%s'", servient.Name, eThing.TD.ID)
	eThing.SetWriter(servient.writer)
	eThing.Expose()
	for _, server := range servient.servers {
		server.AddExposedThing(eThing)
		servient.refreshThingForms(eThing, server)
	}
	servient.applyThingCredentials(eThing)
	return nil
}

// DisableExposedThing stops serving a Thing. Its TD-declared forms remain;
// the auto-generated forms are removed. Allowed while running.
func (servient *Servient) DisableExposedThing(name string) error {
	servient.mutex.Lock()
	defer servient.mutex.Unlock()
	eThing := servient.getExposedThing(name)
	if eThing == nil {
		return protocols.NotSupportedError("thing '%s' is not hosted by this servient", name)
	}
	logrus.Infof("Servient '%s': disabling thing '%s'", servient.Name, eThing.TD.ID)
	eThing.Destroy()
	for _, server := range servient.servers {
		server.RemoveExposedThing(eThing.TD.ID)
	}
	eThing.TD.CleanAutoForms("")
	return nil
}

// AddCredentials merges credentials for the Thing with the given title into
// the credential store. Existing fields not present in the update are kept.
// Running servers verifying inbound requests for the Thing pick up the
// change immediately.
func (servient *Servient) AddCredentials(title string, credentials map[string]interface{}) {
	servient.mutex.Lock()
	defer servient.mutex.Unlock()
	merged, found := servient.credentials[title]
	if !found {
		merged = make(map[string]interface{})
		servient.credentials[title] = merged
	}
	for key, value := range credentials {
		merged[key] = value
	}
	if eThing := servient.getExposedThing(title); eThing != nil {
		servient.applyThingCredentials(eThing)
	}
}

// GetCredentials returns a snapshot of the stored credentials for the Thing
// with the given title, or nil.
func (servient *Servient) GetCredentials(title string) map[string]interface{} {
	servient.mutex.Lock()
	defer servient.mutex.Unlock()
	stored, found := servient.credentials[title]
	if !found {
		return nil
	}
	snapshot := make(map[string]interface{}, len(stored))
	for key, value := range stored {
		snapshot[key] = value
	}
	return snapshot
}

// applyThingCredentials pushes the Thing's stored credentials into the
// binding servers that verify inbound requests. Callers hold the mutex.
func (servient *Servient) applyThingCredentials(eThing *exposedthing.ExposedThing) {
	credentials := servient.credentials[eThing.TD.Title]
	if credentials == nil {
		return
	}
	for _, server := range servient.servers {
		if receiver, ok := server.(credentialReceiver); ok {
			receiver.SetThingCredentials(eThing.TD.ID, credentials)
		}
	}
}

// Consume returns a consumed thing proxy for the TD. The proxy selects a
// binding client per call through this servient. Stored credentials for the
// Thing's title are installed on the supporting clients.
func (servient *Servient) Consume(td *thing.ThingTD) *consumedthing.ConsumedThing {
	servient.mutex.Lock()
	credentials := servient.credentials[td.Title]
	clients := make([]protocols.ProtocolClient, 0, len(servient.clients))
	for _, client := range servient.clients {
		clients = append(clients, client)
	}
	servient.mutex.Unlock()

	if credentials != nil {
		for _, client := range clients {
			client.SetSecurity(td.SecurityDefinitions, credentials)
		}
	}
	return servient.factory.Consume(td)
}

// RefreshForms rebuilds the auto-generated forms of every enabled Thing for
// every registered server. TD-declared forms are untouched. The rebuild is
// idempotent; repeated calls converge to the same form set.
func (servient *Servient) RefreshForms() {
	servient.mutex.Lock()
	defer servient.mutex.Unlock()
	for _, eThing := range servient.exposed {
		if !eThing.IsExposed() {
			continue
		}
		eThing.TD.CleanAutoForms("")
		for _, server := range servient.servers {
			servient.addThingForms(eThing, server)
		}
	}
}

// refreshThingForms rebuilds one server's forms on one Thing. Callers hold
// the mutex.
func (servient *Servient) refreshThingForms(
	eThing *exposedthing.ExposedThing, server protocols.ProtocolServer) {

	eThing.TD.CleanAutoForms(server.Protocol())
	servient.addThingForms(eThing, server)
}

func (servient *Servient) addThingForms(
	eThing *exposedthing.ExposedThing, server protocols.ProtocolServer) {

	td := eThing.TD
	for _, name := range td.InteractionNames() {
		for _, form := range server.BuildForms(servient.Hostname, td, name) {
			td.AddAutoForm(name, form)
		}
	}
}

// sortedProtocols returns the registered server protocols in a fixed order
// so start failures are deterministic. Callers hold the mutex.
func (servient *Servient) sortedProtocols() []string {
	list := make([]string, 0, len(servient.servers))
	for protocol := range servient.servers {
		list = append(list, protocol)
	}
	sort.Strings(list)
	return list
}

// Start brings the servient to the running state: the persistence writer is
// attached to the exposed Things, all auto-generated forms are rebuilt, the
// binding servers start and finally the catalogue binds its port.
//
// A server failing to start, typically a port conflict, stops the already
// started servers again and leaves the servient in the configurable state.
// Starting a running servient is a no-op.
func (servient *Servient) Start() error {
	servient.mutex.Lock()
	defer servient.mutex.Unlock()
	if servient.running {
		return nil
	}
	logrus.Infof("Starting servient '%s'", servient.Name)

	for _, eThing := range servient.exposed {
		eThing.SetWriter(servient.writer)
	}
	for _, eThing := range servient.exposed {
		if !eThing.IsExposed() {
			continue
		}
		eThing.TD.CleanAutoForms("")
		for _, server := range servient.servers {
			server.AddExposedThing(eThing)
			servient.addThingForms(eThing, server)
		}
		servient.applyThingCredentials(eThing)
	}

	var started []protocols.ProtocolServer
	for _, protocol := range servient.sortedProtocols() {
		server := servient.servers[protocol]
		if err := server.Start(); err != nil {
			for _, runningServer := range started {
				_ = runningServer.Stop()
			}
			return err
		}
		started = append(started, server)
	}
	if servient.catalogue != nil {
		if err := servient.catalogue.Start(); err != nil {
			for _, runningServer := range started {
				_ = runningServer.Stop()
			}
			return err
		}
		if servient.Announce {
			announcer, err := discovery.AnnounceCatalogue(
				servient.Name, servient.Hostname, servient.catalogue.Port())
			if err != nil {
				logrus.Warningf("Servient '%s': catalogue announcement failed: %s", servient.Name, err)
			} else {
				servient.announcer = announcer
			}
		}
	}
	servient.running = true
	return nil
}

// Shutdown stops the servient in reverse start order: catalogue first, then
// all binding servers concurrently, then the binding clients and consumed
// things. The servient returns to the configurable state. Idempotent.
func (servient *Servient) Shutdown() {
	servient.mutex.Lock()
	if !servient.running {
		servient.mutex.Unlock()
		return
	}
	logrus.Infof("Shutting down servient '%s'", servient.Name)
	servient.running = false
	catalogue := servient.catalogue
	announcer := servient.announcer
	servient.announcer = nil
	servers := make([]protocols.ProtocolServer, 0, len(servient.servers))
	for _, server := range servient.servers {
		servers = append(servers, server)
	}
	clients := make([]protocols.ProtocolClient, 0, len(servient.clients))
	for _, client := range servient.clients {
		clients = append(clients, client)
	}
	servient.mutex.Unlock()

	if announcer != nil {
		announcer.Shutdown()
	}
	if catalogue != nil {
		_ = catalogue.Stop()
	}
	var wg sync.WaitGroup
	for _, server := range servers {
		wg.Add(1)
		go func(server protocols.ProtocolServer) {
			defer wg.Done()
			if err := server.Stop(); err != nil {
				logrus.Warningf("Servient '%s': stopping the '%s' server: %s",
					servient.Name, server.Protocol(), err)
			}
		}(server)
	}
	wg.Wait()

	servient.factory.Stop()
	for _, client := range clients {
		client.Stop()
	}
}

// IsRunning returns true while the servient serves its Things
func (servient *Servient) IsRunning() bool {
	servient.mutex.Lock()
	defer servient.mutex.Unlock()
	return servient.running
}
