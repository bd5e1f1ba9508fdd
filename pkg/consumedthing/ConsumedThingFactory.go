package consumedthing

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/wostzone/servient-go/pkg/thing"
)

// ConsumedThingFactory creates and tracks consumed thing instances so that
// consuming the same TD twice returns the same instance. The factory wires
// each instance to the client resolver of its servient.
type ConsumedThingFactory struct {
	// resolver selecting the binding client per interaction
	resolver ClientResolver

	// ctMap holds the consumed things by thing ID
	ctMap map[string]*ConsumedThing

	// tdStore with the TDs of consumed things
	tdStore *thing.ThingStore

	// mutex for updating the map of consumed things
	ctMapMutex sync.RWMutex
}

// CreateConsumedThingFactory creates a factory whose consumed things select
// their binding clients through the given resolver.
func CreateConsumedThingFactory(resolver ClientResolver) *ConsumedThingFactory {
	return &ConsumedThingFactory{
		resolver: resolver,
		ctMap:    make(map[string]*ConsumedThing),
		tdStore:  thing.NewThingStore(),
	}
}

// Consume returns the consumed thing for the given TD, creating it on first
// use. The TD replaces a previously stored TD with the same ID.
func (factory *ConsumedThingFactory) Consume(td *thing.ThingTD) *ConsumedThing {
	factory.ctMapMutex.Lock()
	defer factory.ctMapMutex.Unlock()
	factory.tdStore.AddTD(td)
	cThing, found := factory.ctMap[td.ID]
	if !found {
		logrus.Infof("Consuming thing '%s'", td.ID)
		cThing = CreateConsumedThing(td)
		cThing.SetResolver(factory.resolver)
		factory.ctMap[td.ID] = cThing
	}
	return cThing
}

// GetConsumedThing returns an existing consumed thing by thing ID, or nil
func (factory *ConsumedThingFactory) GetConsumedThing(thingID string) *ConsumedThing {
	factory.ctMapMutex.RLock()
	defer factory.ctMapMutex.RUnlock()
	return factory.ctMap[thingID]
}

// Destroy stops and removes the consumed thing with the given thing ID
func (factory *ConsumedThingFactory) Destroy(thingID string) {
	factory.ctMapMutex.Lock()
	cThing, found := factory.ctMap[thingID]
	delete(factory.ctMap, thingID)
	factory.tdStore.Remove(thingID)
	factory.ctMapMutex.Unlock()
	if found {
		cThing.Stop()
	}
}

// Stop releases all consumed things
func (factory *ConsumedThingFactory) Stop() {
	factory.ctMapMutex.Lock()
	cThings := make([]*ConsumedThing, 0, len(factory.ctMap))
	for _, cThing := range factory.ctMap {
		cThings = append(cThings, cThing)
	}
	factory.ctMap = make(map[string]*ConsumedThing)
	factory.ctMapMutex.Unlock()
	for _, cThing := range cThings {
		cThing.Stop()
	}
}
