// Package correlation implements request/response over MQTT for the device
// management protocol.
//
// Each request gets a fresh reqId injected into its JSON body and a waiter
// in the pending index. Responses arrive on one shared topic
// (iotdm-1/response), which is subscribed lazily on the first request and
// released by Close at session end.
//
// A response whose id has no waiter yet is parked for the longest
// remaining timeout of the pending waiters, so a fast broker cannot beat
// the registration. A response for an id that was already answered or
// timed out is dropped. Exactly one waiter is satisfied per id.
package correlation
