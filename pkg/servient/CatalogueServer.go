package servient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/wostzone/servient-go/pkg/exposedthing"
	"github.com/wostzone/servient-go/pkg/thing"
	"github.com/wostzone/servient-go/pkg/vocab"
)

// CatalogueServer serves the TD catalogue of a servient over HTTP.
//
//  GET /                  {title: "/<thing-url-name>"} per enabled Thing
//  GET /?expanded=1       {title: <full TD>} with base filled in
//  GET /<thing-url-name>  the Thing's TD with base filled in
//
// Responses are application/json. Unknown Things return 404.
type CatalogueServer struct {
	servient *Servient
	port     int

	httpServer *http.Server

	mutex   sync.Mutex
	running bool
}

// CreateCatalogueServer creates the catalogue server of the servient
func CreateCatalogueServer(servient *Servient, port int) *CatalogueServer {
	return &CatalogueServer{
		servient: servient,
		port:     port,
	}
}

// Port the catalogue listens on
func (catalogue *CatalogueServer) Port() int { return catalogue.port }

// Start the catalogue listener. A port conflict is returned as error.
// Starting a started catalogue is a no-op.
func (catalogue *CatalogueServer) Start() error {
	catalogue.mutex.Lock()
	defer catalogue.mutex.Unlock()
	if catalogue.running {
		return nil
	}
	logrus.Infof("Starting catalogue server on port %d", catalogue.port)

	router := mux.NewRouter()
	router.HandleFunc("/", catalogue.handleIndex).Methods(http.MethodGet)
	router.HandleFunc("/{thing}", catalogue.handleThing).Methods(http.MethodGet)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", catalogue.port))
	if err != nil {
		return fmt.Errorf("catalogue can't listen on port %d: %w", catalogue.port, err)
	}
	catalogue.httpServer = &http.Server{
		Handler: cors.AllowAll().Handler(router),
	}
	go func() {
		if serveErr := catalogue.httpServer.Serve(listener); serveErr != nil &&
			serveErr != http.ErrServerClosed {
			logrus.Errorf("catalogue server stopped: %s", serveErr)
		}
	}()
	catalogue.running = true
	return nil
}

// Stop the catalogue listener. Idempotent.
func (catalogue *CatalogueServer) Stop() error {
	catalogue.mutex.Lock()
	defer catalogue.mutex.Unlock()
	if !catalogue.running {
		return nil
	}
	logrus.Infof("Stopping catalogue server on port %d", catalogue.port)
	err := catalogue.httpServer.Shutdown(context.Background())
	catalogue.running = false
	return err
}

// enabledThings returns the currently served Things of the servient
func (catalogue *CatalogueServer) enabledThings() []*exposedthing.ExposedThing {
	servient := catalogue.servient
	servient.mutex.Lock()
	defer servient.mutex.Unlock()
	list := make([]*exposedthing.ExposedThing, 0, len(servient.exposed))
	for _, eThing := range servient.exposed {
		if eThing.IsExposed() {
			list = append(list, eThing)
		}
	}
	return list
}

// tdDocument returns the TD as a document with the base URL filled in
func (catalogue *CatalogueServer) tdDocument(td *thing.ThingTD) map[string]interface{} {
	doc := td.AsMap()
	if base := catalogue.servient.baseURLFor(td); base != "" {
		doc["base"] = base
	}
	return doc
}

func (catalogue *CatalogueServer) handleIndex(resp http.ResponseWriter, req *http.Request) {
	expanded := req.URL.Query().Get("expanded") != ""
	index := make(map[string]interface{})
	for _, eThing := range catalogue.enabledThings() {
		if expanded {
			index[eThing.TD.Title] = catalogue.tdDocument(eThing.TD)
		} else {
			index[eThing.TD.Title] = "/" + eThing.TD.UrlName()
		}
	}
	writeCatalogueJSON(resp, index)
}

func (catalogue *CatalogueServer) handleThing(resp http.ResponseWriter, req *http.Request) {
	urlName := mux.Vars(req)["thing"]
	for _, eThing := range catalogue.enabledThings() {
		if eThing.TD.UrlName() == urlName {
			writeCatalogueJSON(resp, catalogue.tdDocument(eThing.TD))
			return
		}
	}
	http.NotFound(resp, req)
}

func writeCatalogueJSON(resp http.ResponseWriter, value interface{}) {
	resp.Header().Set("Content-Type", vocab.MediaTypeJSON)
	_ = json.NewEncoder(resp).Encode(value)
}

// baseURLFor returns the base URL of the Thing on the server that the
// catalogue roots the TD at. The HTTP server is preferred; without one the
// server with the smallest protocol name is used so the choice is stable.
func (servient *Servient) baseURLFor(td *thing.ThingTD) string {
	servient.mutex.Lock()
	defer servient.mutex.Unlock()
	if server, found := servient.servers[vocab.ProtocolHTTP]; found {
		return server.BuildBaseURL(servient.Hostname, td)
	}
	for _, protocol := range servient.sortedProtocols() {
		return servient.servers[protocol].BuildBaseURL(servient.Hostname, td)
	}
	return ""
}
