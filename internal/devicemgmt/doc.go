// Package devicemgmt is the device side of the management protocol.
//
// A ManagedDevice owns one session at a time. BeginSession announces the
// device with a manage request; on rc 200 the standard command handlers
// (device update, observe, cancel, reboot, factory reset, firmware download
// and update, custom actions) are installed and their topics subscribed.
// EndSession sends unmanage and releases everything the session held.
//
// Device requests (location, error codes, logs) go through the correlator
// and return the platform's rc, or 0 with an error when nothing came back.
//
// Long-running work (device actions, firmware, custom actions) runs on the
// worker pool. Handlers answer the platform themselves via Complete, or in
// the firmware case by moving the mgmt.firmware resource through its states.
package devicemgmt
