package plugins

import (
	"github.com/jrife/kvcache/storage/kv"
)

// KVPluginManager lets a consumer
// retrieve a KV storage plugin
// by name from a fixed set
type KVPluginManager struct {
	plugins []kv.Plugin
}

// NewKVPluginManager returns a KVPluginManager
// that is loaded with all supported plugins.
func NewKVPluginManager() *KVPluginManager {
	return NewKVPluginManagerWith(Plugins()...)
}

// NewKVPluginManagerWith returns a KVPluginManager
// restricted to the given plugins.
func NewKVPluginManagerWith(plugins ...kv.Plugin) *KVPluginManager {
	return &KVPluginManager{
		plugins: plugins,
	}
}

// Plugin returns the plugin whose name matches the given name.
// It returns nil if no such plugin is found.
func (pluginManager *KVPluginManager) Plugin(name string) kv.Plugin {
	for _, plugin := range pluginManager.plugins {
		if plugin.Name() == name {
			return plugin
		}
	}

	return nil
}

// Plugins lists the plugins held by this manager
func (pluginManager *KVPluginManager) Plugins() []kv.Plugin {
	return pluginManager.plugins
}
