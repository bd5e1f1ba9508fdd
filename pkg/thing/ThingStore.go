package thing

import "sync"

// ThingStore is an in-memory store of Thing Description documents, keyed by
// Thing ID. Servients use one store for their exposed Things and consumers
// use one per directory they track.
type ThingStore struct {
	// tdMap is a map of TD documents by Thing ID
	tdMap map[string]*ThingTD

	// tdMapMutex for safe concurrent access to the TD store
	tdMapMutex sync.RWMutex
}

// AddTD adds or replaces the TD in the store
func (ts *ThingStore) AddTD(td *ThingTD) {
	ts.Update(td)
}

// GetIDs returns the IDs of the stored Things
func (ts *ThingStore) GetIDs() []string {
	ts.tdMapMutex.RLock()
	defer ts.tdMapMutex.RUnlock()
	idList := make([]string, 0, len(ts.tdMap))
	for key := range ts.tdMap {
		idList = append(idList, key)
	}
	return idList
}

// GetByID returns the TD of the Thing with the given id, or nil if not found
func (ts *ThingStore) GetByID(thingID string) *ThingTD {
	ts.tdMapMutex.RLock()
	defer ts.tdMapMutex.RUnlock()
	return ts.tdMap[thingID]
}

// GetByName returns the TD whose title or URL-safe name matches the given
// name, or nil if no Thing matches. Binding servers use this to resolve the
// thing segment of a request path.
func (ts *ThingStore) GetByName(name string) *ThingTD {
	ts.tdMapMutex.RLock()
	defer ts.tdMapMutex.RUnlock()
	for _, td := range ts.tdMap {
		if td.Title == name || td.UrlName() == name {
			return td
		}
	}
	return nil
}

// GetAll returns all stored TDs
func (ts *ThingStore) GetAll() []*ThingTD {
	ts.tdMapMutex.RLock()
	defer ts.tdMapMutex.RUnlock()
	tdList := make([]*ThingTD, 0, len(ts.tdMap))
	for _, td := range ts.tdMap {
		tdList = append(tdList, td)
	}
	return tdList
}

// Remove deletes the TD with the given id from the store
func (ts *ThingStore) Remove(thingID string) {
	ts.tdMapMutex.Lock()
	defer ts.tdMapMutex.Unlock()
	delete(ts.tdMap, thingID)
}

// Update adds or replaces a ThingTD in the collection
func (ts *ThingStore) Update(td *ThingTD) {
	ts.tdMapMutex.Lock()
	defer ts.tdMapMutex.Unlock()
	ts.tdMap[td.ID] = td
}

// NewThingStore creates a new empty TD store
func NewThingStore() *ThingStore {
	ts := &ThingStore{
		tdMap: make(map[string]*ThingTD),
	}
	return ts
}
