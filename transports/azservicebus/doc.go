// Package azservicebus implements the messaging transport interfaces on top of
// the Azure Service Bus SDK.
//
// Each credential variant is resolved to an SDK client: connection strings are
// used as-is, shared keys and shared access signatures are turned into
// connection strings for the namespace, and token credentials are passed to
// the SDK directly. Provisioning goes through the admin client with the same
// credential and without SDK retries.
package azservicebus
