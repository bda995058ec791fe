// Package contracts provides the message types, the transport envelope and the
// error taxonomy shared by every relaybus package.
//
// Application messages implement Message and one of Command, Event or Query.
// On the way to a broker they are wrapped in an Envelope, which carries the
// identity, correlation data, headers and the opaque serialized payload.
package contracts
