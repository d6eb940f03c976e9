// Package transport contains descriptions of all the
// services exposed by a cache partition and different
// implementations of clients and servers for different
// protocols. Clients talk gRPC; operators and tools may
// prefer REST. We want to make it easy to add support for
// new transports without too much refactoring.
package transport
