// Package dispatch routes inbound device-management messages.
//
// Routing uses parsed topic templates rather than string slicing:
//
//	router := dispatch.NewRouter()
//	router.Register("iotdm-1/mgmt/custom/{bundleId}/{actionId}", handler)
//
// Responses on the shared response topic go to the correlator. Commands
// are decoded and passed to their handler together with the template
// parameters. Handlers answer through Command.Respond and move long work
// onto a Pool so the transport's delivery goroutine is never held.
package dispatch
