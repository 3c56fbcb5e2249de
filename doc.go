// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dbclient provides an asynchronous client for a partitioned
// OLTP database cluster. It maintains one connection per cluster node,
// routes each call toward the partition that owns its data, and keeps
// the cluster's topology and procedure catalog current in the
// background so callers never have to think about which node to talk
// to.
//
// To create a new client use the [NewClient] function, passing the
// initial set of "host:port" addresses to connect to. NewClient
// accepts a variadic list of [ClientOption] values for configuring
// authentication, timeouts, backpressure limits, and connection
// lifecycle callbacks.
//
// The returned [Client] exposes both a synchronous [Client.Call] and
// an asynchronous [Client.CallAsync], the latter returning a [Future]
// that resolves once the server responds. Closing the client, via
// [Client.Close], waits for outstanding background tasks and in-flight
// calls to drain (up to a bounded grace period) before tearing down
// every connection. The client cannot be used after it has been
// closed.
//
// # Connection Lifecycle
//
// A freshly created client dials every address it was given. A server
// that cannot be reached at startup is not treated as fatal: its
// address is remembered, and while no connection at all is up a
// background recovery task keeps retrying the remembered addresses.
// Once any connection is established, the client subscribes to cluster
// membership notifications on one of its connections and uses the
// resulting topology to both open connections to nodes it did not
// already know about and build a partition-to-leader routing snapshot.
//
// # Routing
//
// Calls that name a single-partition procedure are routed to the
// partition owning the supplied partitioning parameter, using a
// consistent-hash ring decoded from the cluster's own hash
// configuration. Multi-partition procedures, and calls made before a
// routing snapshot exists, fall back to round-robin selection across
// whatever connections are currently live.
//
// # Backpressure
//
// Two independent limits guard against overwhelming a slow connection
// or an overloaded server: a per-client cap on the number of
// outstanding requests, tracked by the request registry, and a global
// send-permit pool that throttles how fast new invocations are handed
// to connections. Both are configurable, via [WithRequestLimits] and
// [WithOutstandingTxnLimit] respectively.
package dbclient
