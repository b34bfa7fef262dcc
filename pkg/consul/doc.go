/*
Package consul reconciles a pool's Consul deployment.

Four sub-managers run sequentially on every reconcile, each reading state
its predecessors just established:

 1. ServerManager elects a node and keeps one Consul server UP.
 2. ClientsManager fans a client out to every other UP node.
 3. ServicesManager syncs the catalog with declared group services.
 4. FederationManager WAN-joins the servers of federated pools.

The executor owns three derived groups per pool: <pool>-consul-server for
the server container, <pool>-consul-server-nodes for the elected hosts,
and <pool>-consul-clients for client containers. Membership of all three
is manipulated explicitly through the members endpoint, never queried.

Catalog entries written by ServicesManager carry the ps-consul tag;
entries without it belong to other tooling and are never touched.
*/
package consul
