/*
Package scheduler chooses the Proxmox node for each new VM.

# Selection

Selector polls the load of every configured node concurrently and picks
with Select:

 1. Nodes that are offline, or at or above the CPU or memory threshold
    (80% by default), are not qualified.
 2. Among qualified nodes the lowest mean of CPU and memory wins. Ties go
    to the node listed first in proxmox.nodes.
 3. If no node qualifies, the least loaded node overall is used anyway and
    the placement is counted as degraded.
 4. If no node can be polled at all, the primary node is returned.

SelectBestNode therefore always returns a node. A node that cannot be
polled is reported offline at 100/100 and never wins while another node
answers.

Example with both thresholds at 80:

	pve1  cpu 45  mem 60  avg 52.5  qualified
	pve2  cpu 30  mem 85  avg 57.5  over memory threshold
	pve3  cpu 20  mem 40  avg 30.0  qualified  ← selected

# Load cache

Polling every node on every request is slow on large clusters. A LoadCache
holds each node's last load for scheduler.cache_ttl. RedisCache shares it
between labvm processes; MemoryCache keeps it local. NewCache returns no
cache when the TTL is zero. Cache failures fall through to a live poll.

Loads also backs the /api/v1/nodes endpoint and the
labvm_node_load_percent gauges.
*/
package scheduler
