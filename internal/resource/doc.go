// Package resource models device state as named, versioned values.
//
// A Resource commits updates synchronously and hands change events to a
// Notifier, which delivers them to listeners on its own goroutine in commit
// order. Update with fire=false defers the event until
// NotifyExternalListeners, which lets a command handler answer the server
// before listeners observe the change.
//
//	n := resource.NewNotifier(logger)
//	n.Start()
//	loc := resource.New("location", Location{}, n)
//	loc.AddListener(func(ev resource.Event) { ... })
//	_ = loc.Update(Location{Latitude: 51.5}, true)
package resource
