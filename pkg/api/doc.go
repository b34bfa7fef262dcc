/*
Package api is the typed client for the Perfect Storm API server.

Collections (groups, apps, recipes, triggers, nodes) expose CRUD plus
upsert-by-identifier; Group adds membership reads and mutations, with
caller filters composed server-side with the group's own query. The
Shortcuts facade resolves containers to host nodes and nodes to routable
addresses through the engine._id linkage.

Errors split into ClientError (HTTP non-2xx), ConnectionError (server
unreachable) and ResolutionError (ambiguous shortcut lookups); the
IsNotFound, IsConflict and IsTransient helpers classify them for the
reconcilers' retry policy.
*/
package api
