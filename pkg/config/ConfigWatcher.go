package config

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/wostzone/servient-go/pkg/servient"
)

// debounceDelay coalesces the event bursts editors produce on save
const debounceDelay = 100 * time.Millisecond

// ConfigWatcher reloads the servient configuration file when it changes.
// Only the credential store is applied to a running servient; topology
// changes in the file require a restart.
type ConfigWatcher struct {
	configFile string
	watcher    *fsnotify.Watcher
	onReload   func(config *ServientConfig)
	stopChan   chan struct{}
}

// WatchConfig watches the configuration file and invokes onReload with the
// freshly parsed configuration after each change. Call Close when done.
func WatchConfig(configFile string, name string,
	onReload func(config *ServientConfig)) (*ConfigWatcher, error) {

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = watcher.Add(configFile); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	logrus.Infof("Watching servient config file %s", configFile)
	cw := &ConfigWatcher{
		configFile: configFile,
		watcher:    watcher,
		onReload:   onReload,
		stopChan:   make(chan struct{}),
	}
	go cw.watchLoop(name)
	return cw, nil
}

// WatchCredentials watches the configuration file and merges changed
// credentials into the servient's credential store without a restart.
func WatchCredentials(configFile string, sv *servient.Servient) (*ConfigWatcher, error) {
	return WatchConfig(configFile, sv.Name, func(config *ServientConfig) {
		for title, credentials := range config.Credentials {
			asInterface := make(map[string]interface{}, len(credentials))
			for key, value := range credentials {
				asInterface[key] = value
			}
			sv.AddCredentials(title, asInterface)
		}
		logrus.Infof("Reloaded credentials for %d things from %s",
			len(config.Credentials), configFile)
	})
}

// Close stops watching the configuration file
func (cw *ConfigWatcher) Close() {
	close(cw.stopChan)
	_ = cw.watcher.Close()
}

func (cw *ConfigWatcher) watchLoop(name string) {
	for {
		select {
		case <-cw.stopChan:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			time.Sleep(debounceDelay)
			cw.drainEvents()
			config := CreateServientConfig(name)
			if err := config.Load(cw.configFile); err != nil {
				logrus.Warningf("Config file %s changed but can't be loaded: %s", cw.configFile, err)
				continue
			}
			cw.onReload(config)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logrus.Warningf("Watching %s: %s", cw.configFile, err)
		}
	}
}

// drainEvents discards the events that piled up during the debounce delay
func (cw *ConfigWatcher) drainEvents() {
	for {
		select {
		case <-cw.watcher.Events:
		default:
			return
		}
	}
}
