// Package clusterd coordinates partitioned resources across a cluster of
// instances. An elected controller compares the ideal placement of every
// resource with the states participants report, sends transition messages
// to close the gap and publishes the resulting external view. Participants
// execute those transitions through per state model handlers.
//
// # Stores
//
// All coordination state lives in a hierarchical store with sessions,
// ephemeral nodes and one-shot watches. The store is selected by URL:
//
//   - `mem://` – process-local tree, for tests and single-binary demos
//   - `bolt:///var/lib/clusterd/tree.db` – process-local tree persisted to
//     bbolt so the definition survives restarts
//   - `etcd://10.0.0.1:2379,10.0.0.2:2379/clusterd` – shared etcd cluster;
//     sessions are leases and the path is a key prefix
//
// # Embedding
//
//	node, err := clusterd.Open(ctx, clusterd.Config{
//	    Store:    "etcd://127.0.0.1:2379/clusterd",
//	    Cluster:  "orders",
//	    Instance: "node-1",
//	}, clusterd.WithHandler("MasterSlave", handler))
//	if err != nil { log.Fatal(err) }
//	defer node.Close(context.Background())
//
//	ctrl, _ := node.NewController(ctx)
//	ctrl.Start(ctx)
//	p, _ := node.NewParticipant(ctx)
//	p.Start(ctx)
//
// Every process may run a controller; one of them leads at a time and the
// rest take over when its session ends. A participant re-registers on every
// new session and resets the partitions it held to the initial state of
// their model before it accepts new messages.
//
// # Administration
//
// Node.Admin returns a client that creates the cluster skeleton, adds
// instances and resources, computes preference lists and resets partitions
// stuck in ERROR. The clusterd binary exposes the same operations as
// subcommands.
//
// # Telemetry
//
// Logs use pslog with dotted event names. Setting Config.MetricsListen
// exposes Prometheus metrics on /metrics, Config.PprofListen serves
// /debug/pprof and Config.OTLPEndpoint exports store spans over OTLP.
package clusterd
