/*
Package manager wires the control-plane singletons together and owns their
lifecycle.

New opens the store and constructs the queue, registry, event broker,
gateway client, scheduler, and reaper in dependency order. Start seeds the
gateway registry from configuration and spawns the background loops; Stop
signals them, waits for in-flight steps, and closes the store.
*/
package manager
