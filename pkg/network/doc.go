// Package network runs MTProto sessions over transports.
//
// A Connection owns one transport and one session.Session. It negotiates
// or waits for an auth key, flushes queued RPCs and service messages, and
// routes inbound messages back to their callers. MultiSessionConnection
// pools several Connections of one kind, DcConnectionManager groups the
// pools of one datacenter and shares its keys, and Manager ties the
// datacenters together behind Call.
//
// Events flow upwards through synchronous Emitters: a Connection reports
// key changes and updates, its pool re-emits them with the connection
// index, and the DC manager persists keys through a storage.AuthKeyStore.
package network
